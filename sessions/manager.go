package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/uiserve-go/broker"
	"github.com/ggoodman/uiserve-go/dispatch"
	"github.com/ggoodman/uiserve-go/internal/logctx"
	"github.com/ggoodman/uiserve-go/internal/sessiontoken"
	"github.com/ggoodman/uiserve-go/internal/telemetry"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCookieName      = "uiserve.session"
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultExpirationTopic = "ui.session.expired"

	maxMutateAttempts = 3
	// tombstoneCapacity bounds how many purged ids are remembered so that a
	// request racing the purge cannot track the session again.
	tombstoneCapacity = 4096
)

// Manager is the node-local entry point to sessions. It runs the session
// gate, tracks which sessions are live on this node together with their
// destroy listeners, and invalidates sessions cluster-wide.
type Manager struct {
	store       Store
	codec       sessiontoken.Codec
	cookieName  string
	cookiePath  string
	secure      bool
	idleTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *telemetry.Instruments
	prop        *propagator

	mu     sync.Mutex
	local  map[string]*localEntry
	purged *lru.Cache[string, struct{}]
	nextID uint64
}

type localEntry struct {
	state     State
	listeners map[uint64]func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec sets the cookie codec. Defaults to sessiontoken.Plain.
func WithCodec(c sessiontoken.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithCookie sets the cookie name and path. Empty values keep the defaults
// ("uiserve.session", "/").
func WithCookie(name, path string) Option {
	return func(m *Manager) {
		if name != "" {
			m.cookieName = name
		}
		if path != "" {
			m.cookiePath = path
		}
	}
}

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) Option {
	return func(m *Manager) { m.secure = secure }
}

// WithIdleTimeout sets the idle timeout of new sessions. Defaults to 30 minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithBroker enables cross-node expiration propagation on topic (defaults to
// "ui.session.expired" when empty).
func WithBroker(b broker.Broker, topic string) Option {
	return func(m *Manager) {
		if topic == "" {
			topic = DefaultExpirationTopic
		}
		m.prop = &propagator{broker: b, topic: topic}
	}
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records session counters on in.
func WithMetrics(in *telemetry.Instruments) Option {
	return func(m *Manager) { m.metrics = in }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		codec:       sessiontoken.Plain{},
		cookieName:  DefaultCookieName,
		cookiePath:  "/",
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		log:         slog.New(slog.DiscardHandler),
		local:       make(map[string]*localEntry),
	}
	m.purged, _ = lru.New[string, struct{}](tombstoneCapacity)
	for _, o := range opts {
		o(m)
	}
	if m.prop != nil {
		m.prop.m = m
	}
	return m
}

// Gate returns the session gate route handler. It attaches the request's
// session (creating one if needed) to the request context and continues the
// chain. Store faults abort the chain with a server error.
func (m *Manager) Gate() dispatch.Handler {
	return dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		s, err := m.Begin(ex.Writer(), ex.Request())
		if err != nil {
			return dispatch.Terminated, dispatch.Error(http.StatusInternalServerError, err)
		}
		ex.SetRequest(ex.Request().WithContext(m.attach(ex.Context(), s)))
		return dispatch.Continue, nil
	})
}

// Attach loads an existing session without creating one or touching the
// cookie, attaching it to the request context when found. Used by routes that
// run ahead of the gate, such as the push transport.
func (m *Manager) Attach() dispatch.Handler {
	return dispatch.HandlerFunc(func(ex *dispatch.Exchange) (dispatch.Result, error) {
		s, err := m.Load(ex.Context(), ex.Request())
		if err != nil {
			return dispatch.Terminated, dispatch.Error(http.StatusInternalServerError, err)
		}
		if s != nil {
			ex.SetRequest(ex.Request().WithContext(m.attach(ex.Context(), s)))
		}
		return dispatch.Continue, nil
	})
}

func (m *Manager) attach(ctx context.Context, s *Session) context.Context {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID, State: string(StateActive)})
	return WithSession(ctx, s)
}

// Load returns the session named by the request cookie, or nil when the
// cookie is missing, fails verification, or names an unknown session.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	id := m.cookieSessionID(r)
	if id == "" {
		return nil, nil
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

// Begin returns the request's session, refreshing its last-access time, or
// creates a new one and sets the cookie on w.
func (m *Manager) Begin(w http.ResponseWriter, r *http.Request) (*Session, error) {
	ctx := r.Context()
	if id := m.cookieSessionID(r); id != "" {
		s, err := m.Mutate(ctx, id, nil)
		switch {
		case err == nil:
			if m.track(s.ID) {
				return s, nil
			}
			m.log.DebugContext(ctx, "session purged while loading, creating a new one")
		case !errors.Is(err, ErrNotFound):
			return nil, err
		default:
			m.log.DebugContext(ctx, "session cookie names unknown session, creating a new one")
		}
	}

	s := New(uuid.NewString(), m.idleTimeout, m.now())
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	token, err := m.codec.Sign(s.ID)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     m.cookiePath,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	m.track(s.ID)
	m.metrics.SessionCreated(ctx)
	m.log.DebugContext(ctx, "session created", slog.String("session_id", s.ID))
	return s, nil
}

// Mutate applies fn to the current version of the session, refreshes its
// last-access time and writes it back, retrying on version conflicts. A nil
// fn only refreshes the session. Returns ErrNotFound for unknown sessions.
func (m *Manager) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if s == nil {
			return nil, ErrNotFound
		}
		if fn != nil {
			if err := fn(s); err != nil {
				return nil, err
			}
		}
		s.LastAccessed = m.now()
		err = m.store.Put(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
		lastErr = err
	}
	return nil, lastErr
}

// Invalidate destroys the session everywhere: it is removed from the store,
// purged locally and, when a broker is configured, announced to peers.
// Invalidating an already destroyed session is a no-op apart from the
// broadcast.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	if err := m.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	m.purge(ctx, id, "local")
	if m.prop != nil {
		return m.prop.publish(ctx, id)
	}
	return nil
}

// AddDestroyListener registers fn to run once when the session is destroyed
// on this node. The session must be live on this node; otherwise ErrNotFound
// is returned. The returned function removes the listener.
func (m *Manager) AddDestroyListener(id string, fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.local[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.nextID++
	key := m.nextID
	e.listeners[key] = fn
	return func() {
		m.mu.Lock()
		delete(e.listeners, key)
		m.mu.Unlock()
	}, nil
}

// LocalState reports the node-local state of id. Sessions never seen on this
// node, or already destroyed, report StatePurged.
func (m *Manager) LocalState(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.local[id]; ok {
		return e.state
	}
	return StatePurged
}

// track marks id live on this node. It refuses ids that were already purged
// here, which a request can only observe by racing the purge.
func (m *Manager) track(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purged.Contains(id) {
		return false
	}
	if _, ok := m.local[id]; !ok {
		m.local[id] = &localEntry{state: StateActive, listeners: make(map[uint64]func())}
	}
	return true
}

// purge removes the local copy of id and runs its destroy listeners. It
// reports whether anything was purged; concurrent and repeated calls for the
// same id run the listeners exactly once.
func (m *Manager) purge(ctx context.Context, id string, origin string) bool {
	m.mu.Lock()
	m.purged.Add(id, struct{}{})
	e, ok := m.local[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.local, id)
	e.state = StateExpiring
	listeners := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.listeners = nil
	m.mu.Unlock()

	for _, fn := range listeners {
		m.runListener(ctx, id, fn)
	}

	m.mu.Lock()
	e.state = StatePurged
	m.mu.Unlock()

	m.metrics.SessionPurged(ctx, origin)
	m.log.DebugContext(ctx, "session purged", slog.String("session_id", id), slog.String("origin", origin))
	return true
}

func (m *Manager) runListener(ctx context.Context, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.ErrorContext(ctx, "session destroy listener panicked", slog.String("session_id", id), slog.Any("panic", r))
		}
	}()
	fn()
}

func (m *Manager) cookieSessionID(r *http.Request) string {
	c, err := r.Cookie(m.cookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	id, err := m.codec.Verify(c.Value)
	if err != nil {
		m.log.DebugContext(r.Context(), "rejecting session cookie", slog.String("err", err.Error()))
		return ""
	}
	return id
}
