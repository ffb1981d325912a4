// Package fanout shares one upstream subscription per channel between many
// local subscribers. Each local subscriber gets a bounded view; a view that
// falls behind is ended with pubsub.ErrDelivery instead of silently skipping
// messages.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
)

const (
	defaultBuffer      = 256
	defaultOpenTimeout = 15 * time.Second
)

// Options tunes a Subscriber.
type Options struct {
	// Buffer is the per-view message buffer.
	Buffer int
	// OpenTimeout bounds the upstream handshake, which runs detached from any
	// single caller.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// Subscriber implements pubsub.Subscriber on top of a shared upstream.
type Subscriber struct {
	upstream    pubsub.Subscriber
	buffer      int
	openTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	channel string
	ready   chan struct{}
	err     error
	sub     pubsub.Subscription
	views   map[*view]struct{}
}

// New wraps upstream.
func New(upstream pubsub.Subscriber, opts Options) *Subscriber {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Subscriber{
		upstream:    upstream,
		buffer:      opts.Buffer,
		openTimeout: opts.OpenTimeout,
		logger:      opts.Logger,
		groups:      make(map[string]*group),
	}
}

// Open attaches a new view to the shared upstream for channel, opening the
// upstream first if no view currently holds it.
func (s *Subscriber) Open(ctx context.Context, channel string) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
	}

	s.mu.Lock()
	g := s.groups[channel]
	if g == nil {
		g = &group{
			channel: channel,
			ready:   make(chan struct{}),
			views:   make(map[*view]struct{}),
		}
		s.groups[channel] = g
		go s.connect(g)
	}
	v := &view{owner: s, group: g, msgs: make(chan pubsub.Message, s.buffer)}
	g.views[v] = struct{}{}
	s.mu.Unlock()

	select {
	case <-g.ready:
		if g.err != nil {
			v.end(g.err)
			return nil, g.err
		}
		return v, nil
	case <-ctx.Done():
		_ = v.Close()
		return nil, fmt.Errorf("%w: %w", pubsub.ErrConnection, ctx.Err())
	}
}

// Upstreams reports how many shared upstream subscriptions are held.
func (s *Subscriber) Upstreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

func (s *Subscriber) connect(g *group) {
	ctx, cancel := context.WithTimeout(context.Background(), s.openTimeout)
	sub, err := s.upstream.Open(ctx, g.channel)
	cancel()

	s.mu.Lock()
	if err != nil {
		if !errors.Is(err, pubsub.ErrConnection) {
			err = fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
		}
		g.err = err
		s.forget(g)
		close(g.ready)
		s.mu.Unlock()
		s.logger.Warn("shared upstream open failed", zap.String("channel", g.channel), zap.Error(err))
		return
	}
	g.sub = sub
	abandoned := len(g.views) == 0
	if abandoned {
		s.forget(g)
	}
	close(g.ready)
	s.mu.Unlock()

	if abandoned {
		s.release(g)
		return
	}
	s.logger.Info("shared upstream open", zap.String("channel", g.channel))
	go s.pump(g)
}

func (s *Subscriber) pump(g *group) {
	for msg := range g.sub.Messages() {
		s.mu.Lock()
		for v := range g.views {
			if !v.offer(msg) {
				delete(g.views, v)
				v.end(fmt.Errorf("%w: view on %q overflowed %d buffered messages", pubsub.ErrDelivery, g.channel, s.buffer))
				s.logger.Warn("dropping slow subscriber", zap.String("channel", g.channel))
			}
		}
		s.mu.Unlock()
	}

	cause := g.sub.Err()
	s.mu.Lock()
	s.forget(g)
	views := g.views
	g.views = nil
	s.mu.Unlock()

	for v := range views {
		v.end(cause)
	}
	if cause != nil {
		s.logger.Info("shared upstream ended", zap.String("channel", g.channel), zap.Error(cause))
	}
	s.release(g)
}

// detach removes v from its group and returns the upstream to release when v
// was the last view. Callers must hold s.mu.
func (s *Subscriber) detach(v *view) pubsub.Subscription {
	g := v.group
	if g.views == nil {
		return nil
	}
	delete(g.views, v)
	if len(g.views) > 0 {
		return nil
	}
	select {
	case <-g.ready:
	default:
		// connect sees the empty view set and releases the upstream itself.
		return nil
	}
	if g.sub == nil || s.groups[g.channel] != g {
		return nil
	}
	s.forget(g)
	return g.sub
}

func (s *Subscriber) forget(g *group) {
	if s.groups[g.channel] == g {
		delete(s.groups, g.channel)
	}
}

func (s *Subscriber) release(g *group) {
	if err := g.sub.Close(); err != nil {
		s.logger.Warn("shared upstream close failed", zap.String("channel", g.channel), zap.Error(err))
	}
}

type view struct {
	owner *Subscriber
	group *group
	msgs  chan pubsub.Message

	mu        sync.Mutex
	ended     bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

func (v *view) Messages() <-chan pubsub.Message { return v.msgs }

func (v *view) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *view) Close() error {
	v.closeOnce.Do(func() {
		v.end(nil)
		v.owner.mu.Lock()
		upstream := v.owner.detach(v)
		v.owner.mu.Unlock()
		if upstream != nil {
			v.closeErr = upstream.Close()
		}
	})
	return v.closeErr
}

func (v *view) offer(msg pubsub.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return true
	}
	select {
	case v.msgs <- msg:
		return true
	default:
		return false
	}
}

func (v *view) end(cause error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return
	}
	v.ended = true
	v.err = cause
	close(v.msgs)
}
