// Package redis implements broker.Broker on Redis Pub/Sub so that every node
// subscribed to a topic receives each published payload.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/uiserve-go/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Pub/Sub-based implementation of the broker.Broker interface.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for Addr is created
	// and closed together with the broker.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to "localhost:6379".
	Addr string
	// KeyPrefix is prepended to every channel name. Defaults to "uiserve:broker:".
	KeyPrefix string
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	own := false
	if client == nil {
		addr := config.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		own = true
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "uiserve:broker:"
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		ownClient: own,
		subs:      make(map[*subscription]struct{}),
	}
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, topic string, payload string) error {
	channel := b.channel(topic)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe. It waits for the server to
// confirm the subscription before returning.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Subscription, error) {
	channel := b.channel(topic)
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	sub := &subscription{b: b, ps: ps}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close closes open subscriptions and, when the broker created its own
// client, the Redis connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if b.ownClient {
		return b.client.Close()
	}
	return nil
}

func (b *Broker) channel(topic string) string {
	return b.keyPrefix + topic
}

type subscription struct {
	b      *Broker
	ps     *redis.PubSub
	closed atomic.Bool
}

// Next implements broker.Subscription.Next.
func (s *subscription) Next(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", broker.ErrClosed
	}
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if s.closed.Load() {
			return "", broker.ErrClosed
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return msg.Payload, nil
}

// Close implements broker.Subscription.Close.
func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	return s.ps.Close()
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
