// Package redisstore implements sessions.Store on Redis so that every node in
// a cluster sees the same sessions.
//
// Design Notes
//   - Session blob: hash at <prefix>data:<id> holding the version ("v") and the
//     JSON-encoded session ("d"), with a PEXPIRE backstop past the idle deadline
//   - Expiry index: sorted set <prefix>expiry scored by idle deadline (unix ms)
//   - Put: Lua compare-and-set on the version; writes to expired or removed
//     sessions fail with sessions.ErrVersionConflict
//   - Sweep: every node polls the index; an atomic Lua claim (ZREM + DEL)
//     guarantees that exactly one node reports each expiration
//
// Example:
//
//	store, err := redisstore.New(ctx, redisstore.Config{RedisAddr: "localhost:6379"})
//	if err != nil { ... }
//	defer store.Close()
//
// Use memorystore for single-node deployments and tests.
package redisstore
