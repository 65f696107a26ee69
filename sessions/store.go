package sessions

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict is returned by Store.Put when the stored version does
	// not match the version carried by the session being written, including
	// writes to a session that no longer exists.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrNotFound is returned by Manager operations that target an unknown
	// or expired session.
	ErrNotFound = errors.New("session not found")
)

// ExpiredFunc receives the id of a session the store expired.
type ExpiredFunc func(sessionID string)

// Store persists sessions and detects idle expiry. Implementations own their
// concurrency control: distinct requests for the same id may call into the
// store concurrently.
type Store interface {
	// Get returns a copy of the session, or nil without error when the id is
	// unknown or the session is past its idle deadline.
	Get(ctx context.Context, id string) (*Session, error)

	// Put writes s if the stored version equals s.Version (0 meaning "must
	// not exist") and then increments s.Version. Otherwise it returns
	// ErrVersionConflict and leaves s untouched.
	Put(ctx context.Context, s *Session) error

	// Remove deletes the session. Removing an unknown id is not an error.
	// Remove does not report an expiration.
	Remove(ctx context.Context, id string) error

	// OnExpired registers fn to be called once per session the store expires
	// for idleness. Calls happen on a store-owned goroutine. The returned
	// function unregisters fn.
	OnExpired(fn ExpiredFunc) (cancel func())

	// Close stops background expiry detection and releases resources.
	Close() error
}
