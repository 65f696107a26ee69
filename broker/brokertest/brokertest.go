package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/ggoodman/uiserve-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndReceive", func(t *testing.T) {
		testPublishAndReceive(t, factory)
	})
	t.Run("FanOutToAllSubscribers", func(t *testing.T) {
		testFanOut(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("LateSubscriberMissesEarlierPayloads", func(t *testing.T) {
		testLateSubscriber(t, factory)
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextContext(t, factory)
	})
	t.Run("CloseEndsSubscription", func(t *testing.T) {
		testCloseEndsSubscription(t, factory)
	})
}

func testPublishAndReceive(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := mustSubscribe(t, ctx, b, "expired")
	defer sub.Close()

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "expired", fmt.Sprintf("sess-%d", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := receiveN(t, ctx, sub, 3)
	sort.Strings(got)
	for i, want := range []string{"sess-0", "sess-1", "sess-2"} {
		if got[i] != want {
			t.Fatalf("payload %d: want %q got %q", i, want, got[i])
		}
	}
}

func testFanOut(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subs := make([]broker.Subscription, 3)
	for i := range subs {
		subs[i] = mustSubscribe(t, ctx, b, "expired")
		defer subs[i].Close()
	}

	if err := b.Publish(ctx, "expired", "sess-x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, sub := range subs {
		got := receiveN(t, ctx, sub, 1)
		if got[0] != "sess-x" {
			t.Fatalf("subscriber %d: want sess-x got %q", i, got[0])
		}
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := mustSubscribe(t, ctx, b, "topic-a")
	defer a.Close()
	other := mustSubscribe(t, ctx, b, "topic-b")
	defer other.Close()

	if err := b.Publish(ctx, "topic-b", "for-b"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "topic-a", "for-a"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receiveN(t, ctx, a, 1)[0]; got != "for-a" {
		t.Fatalf("topic-a received %q", got)
	}
	if got := receiveN(t, ctx, other, 1)[0]; got != "for-b" {
		t.Fatalf("topic-b received %q", got)
	}
}

func testLateSubscriber(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, "expired", "early"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sub := mustSubscribe(t, ctx, b, "expired")
	defer sub.Close()
	if err := b.Publish(ctx, "expired", "late"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receiveN(t, ctx, sub, 1)[0]; got != "late" {
		t.Fatalf("expected only the later payload, got %q", got)
	}
}

func testNextContext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	sub := mustSubscribe(t, context.Background(), b, "quiet")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testCloseEndsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := mustSubscribe(t, ctx, b, "expired")
	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func mustSubscribe(t *testing.T, ctx context.Context, b broker.Broker, topic string) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return sub
}

func receiveN(t *testing.T, ctx context.Context, sub broker.Subscription, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		p, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next after %d payloads: %v", len(out), err)
		}
		out = append(out, p)
	}
	return out
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Errorf("close broker: %v", err)
	}
}
