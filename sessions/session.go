package sessions

import (
	"context"
	"maps"
	"time"
)

// State is the lifecycle state of a session as seen by one node.
type State string

const (
	StateActive   State = "active"
	StateExpiring State = "expiring"
	StatePurged   State = "purged"
)

// Session is a snapshot of one user's server-side state. Stores hand out
// copies; mutate through Manager.Mutate to persist changes.
type Session struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	IdleTimeout  time.Duration     `json:"idle_timeout"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	// Version is incremented by the store on every successful Put. A Put
	// carrying a stale version fails with ErrVersionConflict.
	Version int64 `json:"version"`
}

// New returns an unsaved session (Version 0).
func New(id string, idleTimeout time.Duration, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastAccessed: now,
		IdleTimeout:  idleTimeout,
		Attributes:   make(map[string]string),
	}
}

// Deadline is the instant after which the session counts as idle-expired.
// A non-positive IdleTimeout never expires.
func (s *Session) Deadline() time.Time {
	if s.IdleTimeout <= 0 {
		return time.Time{}
	}
	return s.LastAccessed.Add(s.IdleTimeout)
}

func (s *Session) Expired(now time.Time) bool {
	d := s.Deadline()
	return !d.IsZero() && !now.Before(d)
}

func (s *Session) Get(key string) (string, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

func (s *Session) Set(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

func (s *Session) Delete(key string) {
	delete(s.Attributes, key)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = maps.Clone(s.Attributes)
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	return &c
}

type sessionKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session attached by the session gate, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
