// Package memory provides an in-process pub/sub broker for local development
// and tests. It honours the same contract as the Redis backend: per-open
// subscriptions, publish-order delivery, idempotent Close, and ErrDelivery
// when a channel is forcibly dropped.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
)

const defaultBuffer = 64

// OpenHook runs inside Open before the subscription is registered. Returning
// an error fails the open with pubsub.ErrConnection; blocking simulates a slow
// handshake and must honour ctx.
type OpenHook func(ctx context.Context, channel string) error

// Broker is a goroutine-safe in-memory channel registry.
type Broker struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	buffer   int
	openHook OpenHook

	opened   atomic.Int64
	released atomic.Int64
}

// NewBroker builds a Broker whose subscriptions buffer up to buffer messages.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// SetOpenHook installs a hook executed on every Open. Pass nil to clear it.
func (b *Broker) SetOpenHook(hook OpenHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openHook = hook
}

// Open registers a new subscription on channel.
func (b *Broker) Open(ctx context.Context, channel string) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
	}
	b.mu.Lock()
	hook := b.openHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, channel); err != nil {
			return nil, fmt.Errorf("%w: %w", pubsub.ErrConnection, err)
		}
	}

	sub := &Subscription{
		broker:  b,
		channel: channel,
		msgs:    make(chan pubsub.Message, b.buffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	set := b.subs[channel]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	b.opened.Add(1)
	return sub, nil
}

// Publish delivers payload to every current subscriber of channel and returns
// how many received it. Delivery to one subscriber blocks while its buffer is
// full, which keeps per-subscriber ordering intact.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	msg := pubsub.Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	delivered := 0
	for _, sub := range b.snapshot(channel) {
		ok, err := sub.deliver(ctx, msg)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// Drop ends every subscription on channel with pubsub.ErrDelivery, as if the
// backend connection had failed.
func (b *Broker) Drop(channel string) {
	for _, sub := range b.snapshot(channel) {
		sub.end(fmt.Errorf("%w: channel %q dropped", pubsub.ErrDelivery, channel))
	}
}

// Subscribers reports the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Opened counts successful opens since the broker was created.
func (b *Broker) Opened() int64 { return b.opened.Load() }

// Released counts subscriptions that have been torn down.
func (b *Broker) Released() int64 { return b.released.Load() }

func (b *Broker) snapshot(channel string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscription, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		out = append(out, sub)
	}
	return out
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// Subscription is one registration created by Broker.Open.
type Subscription struct {
	broker  *Broker
	channel string
	msgs    chan pubsub.Message
	done    chan struct{}

	sendMu  sync.Mutex
	ended   bool
	endOnce sync.Once
	err     atomic.Value
}

// Messages implements pubsub.Subscription.
func (s *Subscription) Messages() <-chan pubsub.Message { return s.msgs }

// Err implements pubsub.Subscription.
func (s *Subscription) Err() error {
	if v, ok := s.err.Load().(errBox); ok {
		return v.err
	}
	return nil
}

// Close implements pubsub.Subscription.
func (s *Subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *Subscription) deliver(ctx context.Context, msg pubsub.Message) (bool, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ended {
		return false, nil
	}
	select {
	case s.msgs <- msg:
		return true, nil
	case <-s.done:
		return false, nil
	case <-ctx.Done():
		return false, fmt.Errorf("publish canceled: %w", ctx.Err())
	}
}

func (s *Subscription) end(cause error) {
	s.endOnce.Do(func() {
		s.err.Store(errBox{err: cause})
		close(s.done)
		s.sendMu.Lock()
		s.ended = true
		close(s.msgs)
		s.sendMu.Unlock()
		s.broker.remove(s)
		s.broker.released.Add(1)
	})
}

type errBox struct{ err error }
