// Package redis implements the pubsub contract on top of Redis PUBLISH /
// SUBSCRIBE using go-redis. Every Open dials a dedicated connection so that a
// relay session owns its backend resources outright.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
)

const (
	// DefaultURL is used when no connection target is configured.
	DefaultURL = "redis://localhost:6379/0"

	defaultDialTimeout  = 5 * time.Second
	defaultCloseTimeout = 2 * time.Second
	defaultBuffer       = 16
)

// Config controls how subscriptions connect to Redis.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	CloseTimeout time.Duration
	// Buffer is the number of received messages held between the socket
	// reader and the consumer.
	Buffer int
}

// Subscriber opens one Redis connection per subscription.
type Subscriber struct {
	opts         *goredis.Options
	closeTimeout time.Duration
	buffer       int
	logger       *zap.Logger
}

// NewSubscriber validates cfg and returns a Subscriber. No connection is made
// until Open is called.
func NewSubscriber(cfg Config, logger *zap.Logger) (*Subscriber, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Subscriber{
		opts:         opts,
		closeTimeout: closeTimeout,
		buffer:       buffer,
		logger:       logger,
	}, nil
}

// Open dials Redis, subscribes to channel, and waits for the server to
// confirm the subscription. Cancelling ctx aborts the handshake.
func (s *Subscriber) Open(ctx context.Context, channel string) (pubsub.Subscription, error) {
	opts := *s.opts
	client := goredis.NewClient(&opts)
	ps := client.Subscribe(ctx, channel)

	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	reply, err := ps.Receive(ctx)
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err == nil {
		if _, ok := reply.(*goredis.Subscription); !ok {
			err = fmt.Errorf("unexpected subscribe reply %T", reply)
		}
	}
	if err != nil {
		_ = ps.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: channel %q: %w", pubsub.ErrConnection, channel, err)
	}

	sub := &Subscription{
		channel:      channel,
		client:       client,
		ps:           ps,
		msgs:         make(chan pubsub.Message, s.buffer),
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
		closeTimeout: s.closeTimeout,
	}
	go sub.pump()
	s.logger.Debug("redis subscription open", zap.String("channel", channel))
	return sub, nil
}

// Ping checks that the configured Redis server is reachable.
func (s *Subscriber) Ping(ctx context.Context) error {
	opts := *s.opts
	client := goredis.NewClient(&opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Subscription is a live Redis SUBSCRIBE registration.
type Subscription struct {
	channel      string
	client       *goredis.Client
	ps           *goredis.PubSub
	msgs         chan pubsub.Message
	done         chan struct{}
	pumpDone     chan struct{}
	closeTimeout time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	errMu     sync.Mutex
	err       error
}

// Messages implements pubsub.Subscription.
func (s *Subscription) Messages() <-chan pubsub.Message { return s.msgs }

// Err implements pubsub.Subscription.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close unsubscribes, closes the dedicated connection, and waits (bounded by
// the close timeout) for the reader goroutine to exit.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)

		var errs []error
		if s.Err() == nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
			if err := s.ps.Unsubscribe(ctx, s.channel); err != nil && !isClosed(err) {
				errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
			}
			cancel()
		}
		if err := s.ps.Close(); err != nil && !isClosed(err) {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
		if err := s.client.Close(); err != nil && !isClosed(err) {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}

		timer := time.NewTimer(s.closeTimeout)
		defer timer.Stop()
		select {
		case <-s.pumpDone:
		case <-timer.C:
			errs = append(errs, errors.New("redis subscription reader did not exit"))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Subscription) pump() {
	defer close(s.pumpDone)
	defer close(s.msgs)
	for {
		m, err := s.ps.ReceiveMessage(context.Background())
		if err != nil {
			if !s.closing.Load() {
				s.setErr(fmt.Errorf("%w: channel %q: %w", pubsub.ErrDelivery, s.channel, err))
			}
			return
		}
		select {
		case s.msgs <- pubsub.Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func parseOptions(cfg Config) (*goredis.Options, error) {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	opts.PoolSize = 1
	opts.MaxRetries = -1
	return opts, nil
}

func isClosed(err error) bool {
	return errors.Is(err, goredis.ErrClosed)
}
