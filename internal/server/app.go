// Package server builds the relay service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/research-status-relay/internal/api"
	"github.com/JakeFAU/research-status-relay/internal/clock/system"
	"github.com/JakeFAU/research-status-relay/internal/config"
	"github.com/JakeFAU/research-status-relay/internal/id/uuid"
	"github.com/JakeFAU/research-status-relay/internal/logging"
	"github.com/JakeFAU/research-status-relay/internal/metrics"
	"github.com/JakeFAU/research-status-relay/internal/pubsub"
	"github.com/JakeFAU/research-status-relay/internal/pubsub/fanout"
	"github.com/JakeFAU/research-status-relay/internal/pubsub/memory"
	redissub "github.com/JakeFAU/research-status-relay/internal/pubsub/redis"
	"github.com/JakeFAU/research-status-relay/internal/relay"
	"github.com/JakeFAU/research-status-relay/internal/store"
	jobsMemory "github.com/JakeFAU/research-status-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/research-status-relay/internal/storage/postgres"
	redisstore "github.com/JakeFAU/research-status-relay/internal/storage/redis"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	relay     *relay.Relay
	broker    *memory.Broker
	jobs      store.JobRepository
	apiServer *api.Server
	closers   []func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("channel", cfg.Relay.Channel),
		zap.String("backend", cfg.Relay.Backend),
		zap.String("mode", cfg.Relay.Mode),
		zap.String("jobs_backend", cfg.Jobs.Backend),
	)

	if err := app.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := app.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	relayMetrics, err := metrics.NewRelay(app.registry)
	if err != nil {
		return nil, err
	}
	httpMetrics, err := metrics.NewHTTP(app.registry)
	if err != nil {
		return nil, err
	}

	ready := map[string]api.Pinger{}
	subscriber, err := app.setupSubscriber(ready)
	if err != nil {
		return nil, err
	}

	app.relay, err = relay.New(subscriber, relay.Config{
		Channel:        cfg.Relay.Channel,
		MaxSessions:    cfg.Relay.MaxSessions,
		SubscribeRate:  cfg.Relay.SubscribeRate,
		SubscribeBurst: cfg.Relay.SubscribeBurst,
		KeepAlive:      cfg.Relay.KeepaliveInterval,
	},
		relay.WithLogger(logger.Named("relay")),
		relay.WithRecorder(relayMetrics),
		relay.WithIDGenerator(uuid.New()),
		relay.WithClock(system.New()),
	)
	if err != nil {
		return nil, fmt.Errorf("relay init failed: %w", err)
	}

	if err := app.setupJobs(ctx, ready); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	app.apiServer, err = api.NewServer(cfg, api.Deps{
		Relay:       app.relay,
		Jobs:        app.jobs,
		Ready:       ready,
		Gatherer:    app.registry,
		HTTPMetrics: httpMetrics,
		Logger:      logger.Named("api"),
	})
	if err != nil {
		_ = app.Close(ctx)
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

func (a *App) setupSubscriber(ready map[string]api.Pinger) (pubsub.Subscriber, error) {
	var subscriber pubsub.Subscriber
	switch a.cfg.Relay.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory pub/sub backend; only in-process publishers reach clients")
		a.broker = memory.NewBroker(a.cfg.Relay.FanoutBuffer)
		subscriber = a.broker
	default:
		sub, err := redissub.NewSubscriber(redissub.Config{
			URL:          a.cfg.Redis.URL,
			DialTimeout:  a.cfg.Redis.DialTimeout,
			CloseTimeout: a.cfg.Relay.CloseTimeout,
		}, a.logger.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("redis subscriber init failed: %w", err)
		}
		redissub.RouteClientLogs()
		ready["redis"] = sub
		subscriber = sub
	}

	if a.cfg.Relay.Mode == config.ModeShared {
		a.logger.Info("sharing one upstream subscription across sessions",
			zap.Int("buffer", a.cfg.Relay.FanoutBuffer))
		subscriber = fanout.New(subscriber, fanout.Options{
			Buffer:      a.cfg.Relay.FanoutBuffer,
			OpenTimeout: a.cfg.Redis.DialTimeout,
			Logger:      a.logger.Named("fanout"),
		})
	}
	return subscriber, nil
}

func (a *App) setupJobs(ctx context.Context, ready map[string]api.Pinger) error {
	switch a.cfg.Jobs.Backend {
	case config.JobsRedis:
		reader, err := redisstore.NewJobReader(a.cfg.Redis.URL, a.cfg.Redis.DialTimeout)
		if err != nil {
			return fmt.Errorf("redis job reader init failed: %w", err)
		}
		redissub.RouteClientLogs()
		a.jobs = reader
		a.closers = append(a.closers, reader.Close)
		if _, ok := ready["redis"]; !ok {
			ready["redis"] = reader
		}
	case config.JobsPostgres:
		reader, err := pgstore.NewJobReader(ctx, pgstore.JobReaderConfig{
			DSN:   a.cfg.Jobs.DSN,
			Table: a.cfg.Jobs.Table,
		})
		if err != nil {
			return fmt.Errorf("postgres job reader init failed: %w", err)
		}
		a.jobs = reader
		a.closers = append(a.closers, func() error { reader.Close(); return nil })
		ready["postgres"] = reader
	case config.JobsMemory:
		a.jobs = jobsMemory.NewJobStore()
	default:
		a.logger.Info("job status endpoints disabled")
		return nil
	}
	a.logger.Info("job repository initialized", zap.String("backend", a.cfg.Jobs.Backend))
	return nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Relay returns the session coordinator.
func (a *App) Relay() *relay.Relay {
	return a.relay
}

// Broker returns the in-memory broker when relay.backend is memory, else nil.
func (a *App) Broker() *memory.Broker {
	return a.broker
}

// Jobs returns the job repository, or nil when disabled.
func (a *App) Jobs() store.JobRepository {
	return a.jobs
}

// Run listens on the configured port and blocks until SIGINT, SIGTERM or ctx
// cancellation, then drains.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is done. Shutdown closes every relay
// session first so that open streams do not hold the HTTP drain open.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("application started")
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated", zap.Int("sessions", a.relay.Active()))

	shutdownCtx, done := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer done()

	if err := a.relay.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("relay drain incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases backend clients and flushes the logger.
func (a *App) Close(_ context.Context) error {
	var errs []error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	// Sync fails on stdout/stderr on some platforms; ignore it.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
