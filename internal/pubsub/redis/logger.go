package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var routeOnce sync.Once

// RouteClientLogs sends go-redis's internal log output (dropped pub/sub
// connections, pool errors) to the global zap logger instead of the standard
// library log package. The global is looked up per message, so a later
// zap.ReplaceGlobals is honoured.
func RouteClientLogs() {
	routeOnce.Do(func() {
		goredis.SetLogger(clientLogger{})
	})
}

type clientLogger struct{}

func (clientLogger) Printf(_ context.Context, format string, v ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	zap.L().Named("go-redis").Warn(strings.TrimPrefix(msg, "redis: "))
}
