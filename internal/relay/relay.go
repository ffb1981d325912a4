// Package relay joins channel subscriptions to client streams. Every client
// gets its own session: a subscription, a sink, and a small state machine
// that guarantees both are released exactly once no matter which side ends
// first.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
)

var (
	// ErrOverCapacity is returned when the live session limit is reached.
	ErrOverCapacity = errors.New("relay: session limit reached")
	// ErrShuttingDown is returned for sessions refused or ended by Shutdown.
	ErrShuttingDown = errors.New("relay: shutting down")

	errShutdown = errors.New("relay shutdown")
)

// Sink is the client-facing end of a session.
type Sink interface {
	// Open commits the response so the client sees the stream start.
	Open() error
	// Write delivers one message. It returns an error matching
	// stream.ErrSinkClosed once the client can no longer be written to.
	Write(msg pubsub.Message) error
	// Ping writes a payload-free keep-alive.
	Ping() error
	// Close stops further writes. It must not block.
	Close() error
}

// IDGenerator creates session identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Recorder observes session lifecycle events.
type Recorder interface {
	SessionStarted()
	SessionEnded(reason Reason, d time.Duration)
	SessionRejected()
	SubscribeFailed()
	MessageDelivered()
	ReleaseFailed(resource string)
}

// Config controls channel selection, admission and keep-alives.
type Config struct {
	Channel string
	// MaxSessions caps concurrently live sessions. Zero means unlimited.
	MaxSessions int
	// SubscribeRate limits subscription opens per second. Zero means
	// unlimited.
	SubscribeRate  float64
	SubscribeBurst int
	// KeepAlive is the idle interval between comment pings. Zero disables
	// them.
	KeepAlive time.Duration
}

// Option customizes a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithIDGenerator sets the session ID source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(r *Relay) {
		if ids != nil {
			r.ids = ids
		}
	}
}

// WithClock sets the time source used for session durations.
func WithClock(clock Clock) Option {
	return func(r *Relay) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Relay admits client sessions and tracks the live ones.
type Relay struct {
	subscriber pubsub.Subscriber
	cfg        Config
	limiter    *rate.Limiter
	logger     *zap.Logger
	recorder   Recorder
	ids        IDGenerator
	clock      Clock
	seq        atomic.Uint64

	mu       sync.Mutex
	sessions map[*session]struct{}
	draining bool
	wg       sync.WaitGroup
}

// New builds a Relay that opens subscriptions on cfg.Channel through
// subscriber.
func New(subscriber pubsub.Subscriber, cfg Config, opts ...Option) (*Relay, error) {
	if subscriber == nil {
		return nil, errors.New("relay: subscriber is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("relay: channel is required")
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("relay: max sessions must be >= 0, got %d", cfg.MaxSessions)
	}
	r := &Relay{
		subscriber: subscriber,
		cfg:        cfg,
		logger:     zap.NewNop(),
		recorder:   nopRecorder{},
		clock:      wallClock{},
		sessions:   make(map[*session]struct{}),
	}
	if cfg.SubscribeRate > 0 {
		burst := cfg.SubscribeBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.SubscribeRate), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Serve runs one client session to completion. It returns once the session
// is Closed and both its subscription and sink have been released.
//
// A non-nil error means the session never reached the client: it matches
// pubsub.ErrConnection when the subscription could not be opened, or
// ErrOverCapacity / ErrShuttingDown when admission was refused. In those cases
// sink has not been written to.
func (r *Relay) Serve(ctx context.Context, sink Sink) (Outcome, error) {
	s, err := r.admit(ctx, sink)
	if err != nil {
		r.recorder.SessionRejected()
		r.logger.Warn("session rejected", zap.String("channel", r.cfg.Channel), zap.Error(err))
		return Outcome{Reason: ReasonRejected}, err
	}
	defer r.leave(s)
	return s.run()
}

// Shutdown ends every live session and refuses new ones. It waits for the
// sessions to finish releasing their resources or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	live := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.logger.Info("draining relay sessions", zap.Int("sessions", len(live)))
	for _, s := range live {
		s.cancel(errShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay drain: %w", ctx.Err())
	}
}

// Active reports the number of live sessions.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Channel returns the channel sessions subscribe to.
func (r *Relay) Channel() string { return r.cfg.Channel }

func (r *Relay) admit(ctx context.Context, sink Sink) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return nil, ErrShuttingDown
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return nil, ErrOverCapacity
	}
	s := newSession(ctx, r, r.newID(), sink)
	r.sessions[s] = struct{}{}
	r.wg.Add(1)
	r.recorder.SessionStarted()
	return s, nil
}

func (r *Relay) leave(s *session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	r.recorder.SessionEnded(s.outcome.Reason, s.outcome.Duration)
	r.wg.Done()
}

func (r *Relay) newID() string {
	if r.ids == nil {
		return fmt.Sprintf("session-%d", r.seq.Add(1))
	}
	id, err := r.ids.NewID()
	if err != nil {
		id = fmt.Sprintf("session-%d", r.seq.Add(1))
		r.logger.Warn("session id generation failed, using sequence", zap.String("session_id", id), zap.Error(err))
	}
	return id
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted() {}
func (nopRecorder) SessionEnded(Reason, time.Duration) {}
func (nopRecorder) SessionRejected() {}
func (nopRecorder) SubscribeFailed() {}
func (nopRecorder) MessageDelivered() {}
func (nopRecorder) ReleaseFailed(string) {}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
