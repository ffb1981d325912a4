package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
)

// State is a session's lifecycle position. It only moves forward.
type State int32

// Session states.
const (
	StateConnecting State = iota
	StateSubscribed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason explains why a session ended.
type Reason string

// Termination reasons.
const (
	ReasonChannelEnded    Reason = "channel_ended"
	ReasonDeliveryFailed  Reason = "delivery_failed"
	ReasonSinkClosed      Reason = "sink_closed"
	ReasonClientGone      Reason = "client_gone"
	ReasonShutdown        Reason = "shutdown"
	ReasonSubscribeFailed Reason = "subscribe_failed"
	ReasonRejected        Reason = "rejected"
)

// writeDrain bounds how long teardown waits for an admitted write before
// closing the sink underneath it.
const writeDrain = 250 * time.Millisecond

// Outcome summarizes a finished session.
type Outcome struct {
	SessionID string
	Reason    Reason
	// Err is the underlying cause for delivery and sink failures.
	Err       error
	Delivered int64
	Duration  time.Duration
}

type session struct {
	id      string
	relay   *Relay
	sink    Sink
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelCauseFunc
	started time.Time

	state     atomic.Int32
	sub       pubsub.Subscription
	delivered atomic.Int64
	done      chan struct{}
	// writeSlot is held across the state check and the sink call, and by
	// teardown while it closes the sink.
	writeSlot chan struct{}

	// written by the teardown winner before done is closed
	reason Reason
	cause  error

	outcome Outcome
}

func newSession(parent context.Context, r *Relay, id string, sink Sink) *session {
	ctx, cancel := context.WithCancelCause(parent)
	return &session{
		id:        id,
		relay:     r,
		sink:      sink,
		logger:    r.logger.With(zap.String("session_id", id), zap.String("channel", r.cfg.Channel)),
		ctx:       ctx,
		cancel:    cancel,
		started:   r.clock.Now(),
		done:      make(chan struct{}),
		writeSlot: make(chan struct{}, 1),
	}
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) run() (Outcome, error) {
	defer s.cancel(nil)

	if err := s.connect(); err != nil || s.State() != StateSubscribed {
		s.state.Store(int32(StateClosed))
		return s.finish(), err
	}

	stop := context.AfterFunc(s.ctx, func() { s.teardown(s.interruptReason(), nil) })
	defer stop()

	s.loop()
	<-s.done
	return s.finish(), nil
}

// connect moves the session from Connecting to Subscribed. On a failed open
// the sink is never touched.
func (s *session) connect() error {
	r := s.relay
	if r.limiter != nil {
		if err := r.limiter.Wait(s.ctx); err != nil {
			return s.abandon(err)
		}
	}

	sub, err := r.subscriber.Open(s.ctx, r.cfg.Channel)
	if err != nil {
		return s.abandon(err)
	}
	s.sub = sub

	if err := s.sink.Open(); err != nil {
		s.release("subscription", sub.Close)
		s.release("sink", s.sink.Close)
		s.reason, s.cause = ReasonSinkClosed, err
		s.logger.Debug("client stream failed to open", zap.Error(err))
		return nil
	}

	s.state.Store(int32(StateSubscribed))
	s.logger.Info("session subscribed")
	return nil
}

// abandon handles a Connecting session that never got a subscription.
func (s *session) abandon(err error) error {
	if s.ctx.Err() != nil {
		s.reason = s.interruptReason()
		if s.reason == ReasonShutdown {
			return ErrShuttingDown
		}
		s.logger.Debug("client left while connecting", zap.Error(err))
		return nil
	}
	if !errors.Is(err, pubsub.ErrConnection) {
		err = fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
	}
	s.reason, s.cause = ReasonSubscribeFailed, err
	s.relay.recorder.SubscribeFailed()
	s.logger.Warn("subscribe failed", zap.Error(err))
	return err
}

func (s *session) loop() {
	msgs := s.sub.Messages()

	var tick <-chan time.Time
	if ka := s.relay.cfg.KeepAlive; ka > 0 {
		ticker := time.NewTicker(ka)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				if err := s.sub.Err(); err != nil {
					s.teardown(ReasonDeliveryFailed, err)
				} else {
					s.teardown(ReasonChannelEnded, nil)
				}
				return
			}
			admitted, err := s.write(func() error { return s.sink.Write(msg) })
			if err != nil {
				s.teardown(ReasonSinkClosed, err)
				return
			}
			if admitted {
				s.delivered.Add(1)
				s.relay.recorder.MessageDelivered()
			}
		case <-tick:
			if _, err := s.write(s.sink.Ping); err != nil {
				s.teardown(ReasonSinkClosed, err)
				return
			}
		}
	}
}

// write calls fn only while the session is Subscribed. Teardown cannot close
// the sink between the check and the call.
func (s *session) write(fn func() error) (bool, error) {
	s.writeSlot <- struct{}{}
	defer func() { <-s.writeSlot }()
	if s.State() != StateSubscribed {
		return false, nil
	}
	return true, fn()
}

// closeSink closes the sink once no admitted write is running. A write still
// blocked after writeDrain is cut off by the close itself.
func (s *session) closeSink() {
	timer := time.NewTimer(writeDrain)
	defer timer.Stop()
	select {
	case s.writeSlot <- struct{}{}:
		defer func() { <-s.writeSlot }()
	case <-timer.C:
		s.logger.Debug("closing sink under a blocked write")
	}
	s.release("sink", s.sink.Close)
}

// teardown runs at most once per session: the first trigger to move the
// state out of Subscribed releases the subscription and then the sink.
func (s *session) teardown(reason Reason, cause error) {
	if !s.state.CompareAndSwap(int32(StateSubscribed), int32(StateClosing)) {
		return
	}
	s.reason, s.cause = reason, cause
	defer close(s.done)
	defer s.state.Store(int32(StateClosed))
	defer s.closeSink()
	s.release("subscription", s.sub.Close)
}

func (s *session) release(resource string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			s.relay.recorder.ReleaseFailed(resource)
			s.logger.Warn("release panicked", zap.String("resource", resource), zap.Any("panic", p))
		}
	}()
	if err := fn(); err != nil {
		s.relay.recorder.ReleaseFailed(resource)
		s.logger.Warn("release failed", zap.String("resource", resource), zap.Error(err))
	}
}

func (s *session) interruptReason() Reason {
	if errors.Is(context.Cause(s.ctx), errShutdown) {
		return ReasonShutdown
	}
	return ReasonClientGone
}

func (s *session) finish() Outcome {
	s.outcome = Outcome{
		SessionID: s.id,
		Reason:    s.reason,
		Err:       s.cause,
		Delivered: s.delivered.Load(),
		Duration:  s.relay.clock.Now().Sub(s.started),
	}
	fields := []zap.Field{
		zap.String("reason", string(s.reason)),
		zap.Int64("delivered", s.outcome.Delivered),
		zap.Duration("duration", s.outcome.Duration),
	}
	switch s.reason {
	case ReasonDeliveryFailed:
		s.logger.Info("session ended", append(fields, zap.Error(s.cause))...)
	case ReasonSinkClosed, ReasonClientGone:
		s.logger.Debug("session ended", append(fields, zap.NamedError("cause", s.cause))...)
	case ReasonSubscribeFailed:
		// logged at Warn by abandon
	default:
		s.logger.Info("session ended", fields...)
	}
	return s.outcome
}
