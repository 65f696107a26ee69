package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/uiserve-go/sessions"
)

// Harness bundles a Store under test with hooks to drive time and expiry
// detection deterministically.
type Harness struct {
	Store sessions.Store
	// Advance moves the store's clock forward.
	Advance func(d time.Duration)
	// Sweep runs one expiry detection pass.
	Sweep func(t *testing.T)
}

// Factory creates a fresh Harness. Its clock must start at Epoch and the
// background sweeper must be disabled.
type Factory func(t *testing.T) Harness

// Epoch is the starting time for harness clocks.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock for harness implementations.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: Epoch} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("Get_UnknownReturnsNil", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Put_RoundTrip", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("Put_StaleVersionConflicts", func(t *testing.T) { testVersionConflict(t, factory) })
	t.Run("Put_ConcurrentWritersSingleWinner", func(t *testing.T) { testConcurrentPut(t, factory) })
	t.Run("Remove_NoResurrection", func(t *testing.T) { testNoResurrection(t, factory) })
	t.Run("Remove_Idempotent", func(t *testing.T) { testRemoveIdempotent(t, factory) })
	t.Run("Expiry_HiddenOnceIdle", func(t *testing.T) { testExpiredHidden(t, factory) })
	t.Run("Expiry_EmittedExactlyOnce", func(t *testing.T) { testExpiryEmittedOnce(t, factory) })
	t.Run("Expiry_TouchExtendsDeadline", func(t *testing.T) { testTouchExtends(t, factory) })
	t.Run("Expiry_RemoveDoesNotEmit", func(t *testing.T) { testRemoveDoesNotEmit(t, factory) })
	t.Run("Expiry_CancelledListenerSilent", func(t *testing.T) { testCancelledListener(t, factory) })
}

func newSession(id string) *sessions.Session {
	return sessions.New(id, time.Minute, Epoch)
}

func testGetUnknown(t *testing.T, factory Factory) {
	h := factory(t)
	got, err := h.Store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("want nil got %+v", got)
	}
}

func testRoundTrip(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("s1")
	s.Set("user", "alice")
	if err := h.Store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("want version 1 got %d", s.Version)
	}
	got, err := h.Store.Get(ctx, "s1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if v, _ := got.Get("user"); v != "alice" {
		t.Fatalf("want alice got %q", v)
	}
	if got.Version != 1 {
		t.Fatalf("want stored version 1 got %d", got.Version)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) || got.IdleTimeout != time.Minute {
		t.Fatalf("metadata not preserved: %+v", got)
	}

	// the returned value is a copy
	got.Set("user", "mallory")
	again, _ := h.Store.Get(ctx, "s1")
	if v, _ := again.Get("user"); v != "alice" {
		t.Fatalf("store aliased caller copy: %q", v)
	}
}

func testVersionConflict(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("s1")
	if err := h.Store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	a, _ := h.Store.Get(ctx, "s1")
	b, _ := h.Store.Get(ctx, "s1")
	a.Set("k", "a")
	if err := h.Store.Put(ctx, a); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	b.Set("k", "b")
	if err := h.Store.Put(ctx, b); !errors.Is(err, sessions.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict got %v", err)
	}
	got, _ := h.Store.Get(ctx, "s1")
	if v, _ := got.Get("k"); v != "a" {
		t.Fatalf("want a got %q", v)
	}
}

func testConcurrentPut(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Store.Put(ctx, newSession("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	const writers = 8
	copies := make([]*sessions.Session, writers)
	for i := range copies {
		c, err := h.Store.Get(ctx, "s1")
		if err != nil || c == nil {
			t.Fatalf("get: %v", err)
		}
		copies[i] = c
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, c := range copies {
		wg.Add(1)
		go func(c *sessions.Session) {
			defer wg.Done()
			if err := h.Store.Put(ctx, c); err == nil {
				wins.Add(1)
			}
		}(c)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("want exactly 1 winner got %d", wins.Load())
	}
}

func testNoResurrection(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	s := newSession("s1")
	if err := h.Store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	stale, _ := h.Store.Get(ctx, "s1")
	if err := h.Store.Remove(ctx, "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := h.Store.Put(ctx, stale); !errors.Is(err, sessions.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict writing removed session got %v", err)
	}
	if got, _ := h.Store.Get(ctx, "s1"); got != nil {
		t.Fatalf("removed session resurrected: %+v", got)
	}
}

func testRemoveIdempotent(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Store.Remove(ctx, "never"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
	if err := h.Store.Put(ctx, newSession("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.Store.Remove(ctx, "s1"); err != nil {
			t.Fatalf("remove #%d: %v", i, err)
		}
	}
}

func testExpiredHidden(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Store.Put(ctx, newSession("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.Advance(2 * time.Minute)
	got, err := h.Store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("want expired session hidden got %+v", got)
	}
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func testExpiryEmittedOnce(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	var rec recorder
	cancel := h.Store.OnExpired(rec.record)
	defer cancel()

	if err := h.Store.Put(ctx, newSession("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.Store.Put(ctx, sessions.New("s2", time.Hour, Epoch)); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.Sweep(t)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("want no expirations before deadline got %v", got)
	}
	h.Advance(2 * time.Minute)
	h.Sweep(t)
	h.Sweep(t)
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "s1" {
		t.Fatalf("want [s1] got %v", got)
	}
	if s, _ := h.Store.Get(ctx, "s2"); s == nil {
		t.Fatalf("want s2 still live")
	}
}

func testTouchExtends(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	var rec recorder
	defer h.Store.OnExpired(rec.record)()

	s := newSession("s1")
	if err := h.Store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.Advance(45 * time.Second)
	s.LastAccessed = Epoch.Add(45 * time.Second)
	if err := h.Store.Put(ctx, s); err != nil {
		t.Fatalf("touch: %v", err)
	}
	h.Advance(45 * time.Second)
	h.Sweep(t)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("touched session expired early: %v", got)
	}
	if got, _ := h.Store.Get(ctx, "s1"); got == nil {
		t.Fatalf("want touched session live")
	}
	h.Advance(time.Minute)
	h.Sweep(t)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("want 1 expiration got %v", got)
	}
}

func testRemoveDoesNotEmit(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	var rec recorder
	defer h.Store.OnExpired(rec.record)()

	if err := h.Store.Put(ctx, newSession("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.Store.Remove(ctx, "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.Advance(2 * time.Minute)
	h.Sweep(t)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("want no expiration for removed session got %v", got)
	}
}

func testCancelledListener(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	var kept, dropped recorder
	defer h.Store.OnExpired(kept.record)()
	cancel := h.Store.OnExpired(dropped.record)
	cancel()

	if err := h.Store.Put(ctx, newSession("s1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.Advance(2 * time.Minute)
	h.Sweep(t)
	if len(kept.snapshot()) != 1 {
		t.Fatalf("want kept listener notified got %v", kept.snapshot())
	}
	if len(dropped.snapshot()) != 0 {
		t.Fatalf("want cancelled listener silent got %v", dropped.snapshot())
	}
}
