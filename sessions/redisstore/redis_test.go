package redisstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/uiserve-go/sessions"
	"github.com/ggoodman/uiserve-go/sessions/redisstore"
	"github.com/ggoodman/uiserve-go/sessions/storetest"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	return mr, cl
}

func TestRedisStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) storetest.Harness {
		_, cl := newClient(t)
		clock := storetest.NewClock()
		s := redisstore.NewWithClient(cl, "test:", redisstore.WithSweepInterval(0), redisstore.WithClock(clock.Now))
		t.Cleanup(func() { _ = s.Close() })
		return storetest.Harness{
			Store:   s,
			Advance: clock.Advance,
			Sweep: func(t *testing.T) {
				if _, err := s.Sweep(context.Background()); err != nil {
					t.Fatalf("sweep: %v", err)
				}
			},
		}
	})
}

func TestSweepSingleWinnerAcrossNodes(t *testing.T) {
	_, cl := newClient(t)
	clock := storetest.NewClock()
	ctx := context.Background()

	const nodes = 4
	stores := make([]*redisstore.Store, nodes)
	var mu sync.Mutex
	counts := map[string]int{}
	for i := range stores {
		stores[i] = redisstore.NewWithClient(cl, "test:", redisstore.WithSweepInterval(0), redisstore.WithClock(clock.Now))
		defer stores[i].Close()
		stores[i].OnExpired(func(id string) {
			mu.Lock()
			counts[id]++
			mu.Unlock()
		})
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := stores[0].Put(ctx, sessions.New(id, time.Minute, storetest.Epoch)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for _, s := range stores {
		wg.Add(1)
		go func(s *redisstore.Store) {
			defer wg.Done()
			if _, err := s.Sweep(ctx); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}(s)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 1 {
			t.Fatalf("want exactly one expiration for %s got %d", id, counts[id])
		}
	}
}

func TestPutSetsBackstopTTL(t *testing.T) {
	mr, cl := newClient(t)
	s := redisstore.NewWithClient(cl, "test:", redisstore.WithSweepInterval(0))
	defer s.Close()

	if err := s.Put(context.Background(), sessions.New("s1", time.Minute, time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL("test:data:s1"); ttl <= time.Minute {
		t.Fatalf("want backstop ttl beyond idle timeout got %v", ttl)
	}
	if !mr.Exists("test:expiry") {
		t.Fatalf("want expiry index written")
	}
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := redisstore.New(ctx, redisstore.Config{RedisAddr: addr}); err == nil {
		t.Fatalf("want error for unreachable redis")
	}
}

func TestNewOwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := redisstore.New(context.Background(), redisstore.Config{RedisAddr: mr.Addr()}, redisstore.WithSweepInterval(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Put(context.Background(), sessions.New("s1", time.Minute, time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
