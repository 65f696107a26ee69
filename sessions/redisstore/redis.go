package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/uiserve-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultSweepInterval = time.Second
	DefaultKeyPrefix     = "uiserve:sessions:"

	sweepBatch = 100
	// ttlGrace keeps the blob around a little past its idle deadline so the
	// sweeper, not Redis, decides when a session expires.
	ttlGrace = time.Minute
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=uiserve:sessions:"`
}

// Store implements sessions.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
	now       func() time.Time
	interval  time.Duration
	log       *slog.Logger

	lmu       sync.RWMutex
	listeners map[uint64]sessions.ExpiredFunc
	nextID    uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval sets how often expired sessions are claimed. A
// non-positive interval disables the background sweeper; call Sweep directly.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// WithClock overrides time.Now. Every node must agree on wall-clock time
// within a small skew for expiry to be timely.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for sweep failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New connects to cfg.RedisAddr and verifies the connection.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewWithClient(cl, cfg.KeyPrefix, opts...)
	s.ownClient = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis store config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// NewWithClient uses an existing client. The client is not closed by Close.
func NewWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	s := &Store{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
		interval:  DefaultSweepInterval,
		log:       slog.New(slog.DiscardHandler),
		listeners: make(map[uint64]sessions.ExpiredFunc),
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

// --- Key helpers ---

func (s *Store) dataKey(id string) string { return s.keyPrefix + "data:" + id }
func (s *Store) indexKey() string         { return s.keyPrefix + "expiry" }

// --- sessions.Store ---

func (s *Store) Get(ctx context.Context, id string) (*sessions.Session, error) {
	raw, err := s.client.HGet(ctx, s.dataKey(id), "d").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess sessions.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.Expired(s.now()) {
		return nil, nil
	}
	if sess.Attributes == nil {
		sess.Attributes = make(map[string]string)
	}
	return &sess, nil
}

var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
local stored = 0
if cur then
  stored = tonumber(cur)
  local dl = redis.call('ZSCORE', KEYS[2], ARGV[5])
  if dl and tonumber(dl) <= tonumber(ARGV[6]) then
    return -1
  end
end
if stored ~= tonumber(ARGV[1]) then
  return -1
end
local nv = stored + 1
redis.call('HSET', KEYS[1], 'v', nv, 'd', ARGV[2])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
else
  redis.call('PERSIST', KEYS[1])
end
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
else
  redis.call('ZREM', KEYS[2], ARGV[5])
end
return nv
`)

func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	next := sess.Clone()
	next.Version = sess.Version + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	var deadline, ttl int64
	if d := sess.Deadline(); !d.IsZero() {
		deadline = d.UnixMilli()
		ttl = (sess.IdleTimeout + ttlGrace).Milliseconds()
	}
	keys := []string{s.dataKey(sess.ID), s.indexKey()}
	res, err := putScript.Run(ctx, s.client, keys,
		sess.Version, payload, deadline, ttl, sess.ID, s.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	if res < 0 {
		return sessions.ErrVersionConflict
	}
	sess.Version = res
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.dataKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove session: %w", err)
	}
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

var claimScript = redis.NewScript(`
local dl = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not dl then
  return 0
end
if tonumber(dl) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// Sweep claims sessions whose idle deadline has passed and reports each
// claimed id to the OnExpired listeners. Claims are atomic, so when several
// nodes sweep concurrently every id is reported by exactly one of them.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	now := s.now().UnixMilli()
	candidates, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: sweepBatch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan expiry index: %w", err)
	}

	var claimed []string
	for _, id := range candidates {
		won, err := claimScript.Run(ctx, s.client, []string{s.dataKey(id), s.indexKey()}, id, now).Int()
		if err != nil {
			return claimed, fmt.Errorf("redis claim expired session: %w", err)
		}
		if won == 1 {
			claimed = append(claimed, id)
		}
	}

	if len(claimed) > 0 {
		s.lmu.RLock()
		fns := make([]sessions.ExpiredFunc, 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.lmu.RUnlock()
		for _, id := range claimed {
			for _, fn := range fns {
				fn(id)
			}
		}
	}
	return claimed, nil
}

// Close stops the sweeper and, when the store created its own client, closes
// the Redis connection.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	if s.ownClient {
		return s.client.Close()
	}
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
			ctx, cancel := context.WithTimeout(context.Background(), s.interval*5)
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("session sweep failed", slog.String("err", err.Error()))
			}
			cancel()
		}
	}
}

var _ sessions.Store = (*Store)(nil)
