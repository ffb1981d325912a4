// Package pubsub defines the channel subscription contract consumed by the
// relay. A Subscriber opens one Subscription per relay session; the
// Subscription yields raw messages until it is closed locally or the backend
// connection drops. Concrete backends live in the redis, memory, and fanout
// subpackages.
package pubsub
