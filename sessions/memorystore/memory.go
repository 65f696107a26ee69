// Package memorystore provides a node-local sessions.Store backed by a map.
// All state is ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry detection  : sweeper goroutine, default every second
//	Concurrency       : safe (one mutex, compare-and-set on Version)
//
// For multi-node deployments use redisstore.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/uiserve-go/sessions"
)

const DefaultSweepInterval = time.Second

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessions.Session

	lmu       sync.RWMutex
	listeners map[uint64]sessions.ExpiredFunc
	nextID    uint64

	now      func() time.Time
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval sets how often idle sessions are detected. A
// non-positive interval disables the background sweeper; call Sweep directly.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store and starts its sweeper unless the sweep
// interval is disabled.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:  make(map[string]*sessions.Session),
		listeners: make(map[uint64]sessions.ExpiredFunc),
		now:       time.Now,
		interval:  DefaultSweepInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.interval > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s
}

func (s *Store) Get(ctx context.Context, id string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok || cur.Expired(s.now()) {
		return nil, nil
	}
	return cur.Clone(), nil
}

func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if cur, ok := s.sessions[sess.ID]; ok && !cur.Expired(s.now()) {
		stored = cur.Version
	} else if ok {
		// expired but not yet swept: only the sweeper may retire it
		return sessions.ErrVersionConflict
	}
	if stored != sess.Version {
		return sessions.ErrVersionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) OnExpired(fn sessions.ExpiredFunc) func() {
	s.lmu.Lock()
	s.nextID++
	key := s.nextID
	s.listeners[key] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, key)
		s.lmu.Unlock()
	}
}

// Sweep removes every idle-expired session and reports each one to the
// OnExpired listeners. It returns the expired ids.
func (s *Store) Sweep() []string {
	now := s.now()
	s.mu.Lock()
	var expired []string
	for id, cur := range s.sessions {
		if cur.Expired(now) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	s.lmu.RLock()
	fns := make([]sessions.ExpiredFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()
	for _, id := range expired {
		for _, fn := range fns {
			fn(id)
		}
	}
	return expired
}

// Len reports the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

var _ sessions.Store = (*Store)(nil)
