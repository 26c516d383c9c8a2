// Package redisstore implements affinity.Store on Redis so that every
// instance behind a load balancer agrees on session ownership.
//
// Records are JSON strings under "<prefix>session:<id>". Claims use SET NX,
// and conditional deletion runs as a Lua script comparing the stored owner
// id, so both are atomic with respect to other instances.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-go/affinity"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed ownership store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AFFINITY_KEY_PREFIX
	KeyPrefix string `env:"AFFINITY_KEY_PREFIX,default=mcp:affinity:"`
	// SlidingTTL is refreshed on every lookup. ENV: AFFINITY_SLIDING_TTL
	SlidingTTL time.Duration `env:"AFFINITY_SLIDING_TTL,default=1h"`
	// AbsoluteTTL caps a record's lifetime from its claim. ENV: AFFINITY_ABSOLUTE_TTL
	AbsoluteTTL time.Duration `env:"AFFINITY_ABSOLUTE_TTL,default=24h"`
}

const defaultKeyPrefix = "mcp:affinity:"

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used to compute expirations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements affinity.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	exp       affinity.Expiration
	now       func() time.Time
	log       *slog.Logger
}

var _ affinity.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewFromClient(cl, cfg, opts...)
	s.ownClient = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// NewFromClient wraps an existing client. Close leaves the client open.
// Zero TTLs in cfg fall back to affinity.DefaultExpiration.
func NewFromClient(cl redis.UniversalClient, cfg Config, opts ...Option) *Store {
	s := &Store{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		exp:       affinity.Expiration{Sliding: cfg.SlidingTTL, Absolute: cfg.AbsoluteTTL},
		now:       time.Now,
		log:       slog.New(slog.DiscardHandler),
	}
	if s.keyPrefix == "" {
		s.keyPrefix = defaultKeyPrefix
	}
	if s.exp.Sliding <= 0 {
		s.exp.Sliding = affinity.DefaultExpiration.Sliding
	}
	if s.exp.Absolute <= 0 {
		s.exp.Absolute = affinity.DefaultExpiration.Absolute
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Redis client when the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(sessionID string) string { return s.keyPrefix + "session:" + sessionID }

// ttl returns the time left for a record claimed at claimedAt if it is
// touched now. A non-positive result means the record is already expired.
func (s *Store) ttl(claimedAt time.Time) time.Duration {
	now := s.now()
	return s.exp.Deadline(claimedAt, now).Sub(now)
}

var deleteIfOwnerScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local ok, rec = pcall(cjson.decode, v)
if not ok or type(rec) ~= 'table' then return 0 end
if rec['ownerId'] ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

func (s *Store) GetOrClaim(ctx context.Context, sessionID string, claim func() affinity.Record) (affinity.Record, bool, error) {
	key := s.key(sessionID)
	rec, err := s.getAndTouch(ctx, key)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, affinity.ErrNotFound) {
		return affinity.Record{}, false, err
	}

	rec = claim()
	if rec.ClaimedAt.IsZero() {
		rec.ClaimedAt = s.now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return affinity.Record{}, false, fmt.Errorf("encode record: %w", err)
	}
	ttl := s.ttl(rec.ClaimedAt)
	if ttl <= 0 {
		ttl = s.exp.Sliding
	}
	ok, err := s.client.SetNX(ctx, key, b, ttl).Result()
	if err != nil {
		return affinity.Record{}, false, fmt.Errorf("claim %s: %w", sessionID, err)
	}
	if ok {
		return rec, true, nil
	}

	// Lost the race; the winner's record is authoritative.
	rec, err = s.getAndTouch(ctx, key)
	if errors.Is(err, affinity.ErrNotFound) {
		return affinity.Record{}, false, fmt.Errorf("claim %s: record vanished after conflicting claim", sessionID)
	}
	return rec, false, err
}

func (s *Store) getAndTouch(ctx context.Context, key string) (affinity.Record, error) {
	rec, err := s.get(ctx, key)
	if err != nil {
		return rec, err
	}
	ttl := s.ttl(rec.ClaimedAt)
	if ttl <= 0 {
		// Past its absolute bound but not yet reaped by Redis.
		_ = s.client.Del(ctx, key).Err()
		return affinity.Record{}, affinity.ErrNotFound
	}
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		s.log.WarnContext(ctx, "affinity.touch.fail", slog.String("key", key), slog.String("err", err.Error()))
	}
	return rec, nil
}

func (s *Store) get(ctx context.Context, key string) (affinity.Record, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return affinity.Record{}, affinity.ErrNotFound
	}
	if err != nil {
		return affinity.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	var rec affinity.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return affinity.Record{}, fmt.Errorf("%w: %v", affinity.ErrInvalidRecord, err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (affinity.Record, error) {
	return s.get(ctx, s.key(sessionID))
}

func (s *Store) DeleteIfOwner(ctx context.Context, sessionID, ownerID string) (bool, error) {
	n, err := deleteIfOwnerScript.Run(ctx, s.client, []string{s.key(sessionID)}, ownerID).Int()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", sessionID, err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", sessionID, err)
	}
	return nil
}
