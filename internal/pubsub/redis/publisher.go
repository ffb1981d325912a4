package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// Publisher sends payloads with PUBLISH over a pooled client.
type Publisher struct {
	client *goredis.Client
}

// NewPublisher connects lazily to the Redis server described by cfg.
func NewPublisher(cfg Config) (*Publisher, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: goredis.NewClient(opts)}, nil
}

// Publish implements pubsub.Publisher and reports how many subscribers
// received the payload.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	n, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %q: %w", channel, err)
	}
	return int(n), nil
}

// Close releases the underlying connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}
