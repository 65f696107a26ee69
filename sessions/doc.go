// Package sessions owns per-user server-side state for the dispatch layer and
// keeps it consistent across nodes. A session is created by the session gate
// on the first request that lacks a valid cookie, refreshed on every later
// request, and destroyed either explicitly (Manager.Invalidate) or when its
// idle timeout elapses.
//
// Layers & Roles
//
//	Store      -> durability & concurrency control (memorystore, redisstore)
//	Manager    -> session gate, cookie codec, node-local registry of live sessions
//	Propagator -> turns local expirations into broadcasts and applies peers' broadcasts
//
// # Lifecycle
//
//	ACTIVE --(idle timeout | Invalidate)--> EXPIRING --(local purge)--> PURGED
//
// The store detects idle expiry itself and reports each expired id through
// OnExpired. The manager purges its local copy (running the per-session
// destroy listeners) and publishes the bare id on the broadcast topic. Peers
// receiving the id purge their local copy and never re-publish, so the
// origin node's own delivery finds nothing to purge and is a no-op.
//
// Delivery is at-least-once: purging is idempotent, and a race between a
// local expiry and a received broadcast runs the destroy listeners exactly
// once.
//
// # Store contract
//
// Put performs an optimistic compare-and-set on Session.Version so that
// concurrent requests for the same id cannot overwrite each other and an
// expired or removed session cannot be resurrected by a stale write.
// Callers must not depend on which Store implementation is active.
package sessions
