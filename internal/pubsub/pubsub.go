package pubsub

import (
	"context"
	"errors"
)

var (
	// ErrConnection reports that the initial connect/subscribe handshake failed.
	// Callers treat it as fatal for the session that requested it.
	ErrConnection = errors.New("pubsub: subscribe failed")
	// ErrDelivery reports that an established subscription dropped mid-stream.
	// The message sequence has ended; there is no automatic resubscribe.
	ErrDelivery = errors.New("pubsub: subscription dropped")
)

// Message is one payload received on a channel. Payload is opaque cargo and
// must not be mutated by consumers.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a single registration on a named channel.
type Subscription interface {
	// Messages yields payloads in publish order. The channel is closed once the
	// subscription ends for any reason.
	Messages() <-chan Message
	// Err explains why Messages was closed: nil after a local Close, an error
	// matching ErrDelivery after a backend failure.
	Err() error
	// Close releases the subscription and its connection. It is idempotent and
	// returns within a bounded time even if the connection is already gone.
	Close() error
}

// Subscriber opens subscriptions. Open blocks until the backend acknowledges
// the subscription or ctx ends; failures match ErrConnection.
type Subscriber interface {
	Open(ctx context.Context, channel string) (Subscription, error)
}

// Publisher sends payloads to a channel and reports how many subscribers
// received them.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, channel string) (Subscription, error)

// Open calls f(ctx, channel).
func (f SubscriberFunc) Open(ctx context.Context, channel string) (Subscription, error) {
	return f(ctx, channel)
}
