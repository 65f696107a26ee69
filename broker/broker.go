// Package broker defines the topic-based pub/sub contract used to propagate
// session expirations between nodes. Delivery is at-least-once and unordered
// across publishers; consumers must treat every payload idempotently.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Next after the subscription (or the broker) has
// been closed.
var ErrClosed = errors.New("broker: subscription closed")

// Broker publishes opaque string payloads on named topics.
type Broker interface {
	// Publish delivers payload to every subscription on topic that is active
	// at the time of the call. Subscriptions created later do not see it.
	Publish(ctx context.Context, topic string, payload string) error

	// Subscribe registers interest in topic. The subscription is active once
	// Subscribe returns.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close releases broker resources and closes open subscriptions.
	Close() error
}

// Subscription is a single consumer's view of a topic. It is safe for use by
// one consumer goroutine; Close may be called from any goroutine.
type Subscription interface {
	// Next blocks until a payload arrives, ctx ends or the subscription is
	// closed (ErrClosed).
	Next(ctx context.Context) (string, error)

	// Close releases the subscription. Safe to call more than once.
	Close() error
}
