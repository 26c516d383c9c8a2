package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-session-go/affinity"
	"github.com/ggoodman/mcp-session-go/affinity/affinitytest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "test:affinity:"
	}
	return NewFromClient(cl, cfg, opts...), mr
}

func TestRedisStore(t *testing.T) {
	affinitytest.Run(t, func(t *testing.T) affinity.Store {
		s, _ := newTestStore(t, Config{})
		return s
	})
}

func TestRedisStore_AgainstExternalRedis(t *testing.T) {
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping external redis affinity tests: %v", err)
		return
	}
	_ = s.Close()

	affinitytest.Run(t, func(t *testing.T) affinity.Store {
		cl := redis.NewClient(&redis.Options{Addr: s.client.(*redis.Client).Options().Addr})
		t.Cleanup(func() { _ = cl.Close() })
		// Subtests reuse session ids; isolate them by prefix.
		return NewFromClient(cl, Config{KeyPrefix: "test:affinity:" + uuid.NewString() + ":"})
	})
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s, mr := newTestStore(t, Config{SlidingTTL: time.Minute, AbsoluteTTL: 3 * time.Minute},
		WithClock(func() time.Time { return now }))
	claim := func() affinity.Record {
		return affinity.Record{OwnerID: "a", Address: "http://a", ClaimedAt: now}
	}

	_, claimed, err := s.GetOrClaim(ctx, "sess", claim)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, time.Minute, mr.TTL("test:affinity:session:sess"))

	// A lookup two and a half minutes in may only extend to the absolute bound.
	now = now.Add(150 * time.Second)
	mr.FastForward(50 * time.Second)
	_, claimed, err = s.GetOrClaim(ctx, "sess", claim)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, 30*time.Second, mr.TTL("test:affinity:session:sess"))

	mr.FastForward(31 * time.Second)
	_, err = s.Get(ctx, "sess")
	require.ErrorIs(t, err, affinity.ErrNotFound)
}

func TestRedisStore_DeleteIfOwnerIgnoresCorruptRecords(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, Config{})
	require.NoError(t, mr.Set("test:affinity:session:bad", "not json"))

	ok, err := s.DeleteIfOwner(ctx, "bad", "a")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, "bad")
	require.ErrorIs(t, err, affinity.ErrInvalidRecord)
}
