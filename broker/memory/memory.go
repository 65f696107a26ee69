// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for delivery. It is suitable for single-node
// deployments and tests: every node-local subscriber sees every publish.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/uiserve-go/broker"
)

const subscriptionBuffer = 256

// Broker implements broker.Broker using in-memory channels.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	b      *Broker
	topic  string
	ch     chan string
	done   chan struct{}
	closed atomic.Bool
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{topics: make(map[string]map[*subscription]struct{})}
}

// Publish implements broker.Broker.Publish. It waits for slow subscribers
// rather than dropping payloads, bounded by ctx.
func (b *Broker) Publish(ctx context.Context, topic string, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return broker.ErrClosed
	}
	subs := make([]*subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		b:     b,
		topic: topic,
		ch:    make(chan string, subscriptionBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Close implements broker.Broker.Close.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

// Next implements broker.Subscription.Next
func (s *subscription) Next(ctx context.Context) (string, error) {
	select {
	case payload := <-s.ch:
		return payload, nil
	default:
	}
	select {
	case payload := <-s.ch:
		return payload, nil
	case <-s.done:
		return "", broker.ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close implements broker.Subscription.Close
func (s *subscription) Close() error {
	s.b.mu.Lock()
	if set, ok := s.b.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.b.topics, s.topic)
		}
	}
	s.b.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Compile-time interface checks
var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
