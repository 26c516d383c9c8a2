// Package affinitytest provides a conformance suite for affinity.Store
// implementations.
package affinitytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/affinity"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) affinity.Store

// Run exercises store semantics every implementation must honour.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("ClaimWhenAbsent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		want := record("owner-a", "http://a:8080")

		got, claimed, err := s.GetOrClaim(ctx, "sess-1", func() affinity.Record { return want })
		if err != nil {
			t.Fatalf("GetOrClaim: %v", err)
		}
		if !claimed {
			t.Fatalf("expected the first caller to claim")
		}
		if got.OwnerID != want.OwnerID || got.Address != want.Address {
			t.Fatalf("unexpected record: %+v", got)
		}
	})

	t.Run("ExistingRecordSkipsFactory", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if _, _, err := s.GetOrClaim(ctx, "sess-1", func() affinity.Record { return record("owner-a", "http://a:8080") }); err != nil {
			t.Fatalf("GetOrClaim: %v", err)
		}

		got, claimed, err := s.GetOrClaim(ctx, "sess-1", func() affinity.Record {
			t.Fatalf("factory invoked for an existing record")
			return affinity.Record{}
		})
		if err != nil {
			t.Fatalf("GetOrClaim: %v", err)
		}
		if claimed || got.OwnerID != "owner-a" {
			t.Fatalf("expected existing owner-a record, got %+v claimed=%v", got, claimed)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, affinity.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteIfOwner", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, _ = s.GetOrClaim(ctx, "sess-1", func() affinity.Record { return record("owner-a", "http://a:8080") })

		ok, err := s.DeleteIfOwner(ctx, "sess-1", "owner-b")
		if err != nil || ok {
			t.Fatalf("foreign owner must not delete: ok=%v err=%v", ok, err)
		}
		if _, err := s.Get(ctx, "sess-1"); err != nil {
			t.Fatalf("record should survive: %v", err)
		}

		ok, err = s.DeleteIfOwner(ctx, "sess-1", "owner-a")
		if err != nil || !ok {
			t.Fatalf("owner delete: ok=%v err=%v", ok, err)
		}
		if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, affinity.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}

		ok, err = s.DeleteIfOwner(ctx, "sess-1", "owner-a")
		if err != nil || ok {
			t.Fatalf("deleting a missing record: ok=%v err=%v", ok, err)
		}
	})

	t.Run("DeleteThenReclaim", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_, _, _ = s.GetOrClaim(ctx, "sess-1", func() affinity.Record { return record("owner-a", "http://a:8080") })
		if err := s.Delete(ctx, "sess-1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		got, claimed, err := s.GetOrClaim(ctx, "sess-1", func() affinity.Record { return record("owner-b", "http://b:8080") })
		if err != nil || !claimed || got.OwnerID != "owner-b" {
			t.Fatalf("reclaim: %+v claimed=%v err=%v", got, claimed, err)
		}
	})

	t.Run("ConcurrentClaimsAgree", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		const n = 16

		var (
			wg       sync.WaitGroup
			claims   atomic.Int32
			mu       sync.Mutex
			owners   = map[string]int{}
			errsSeen []error
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				owner := fmt.Sprintf("owner-%d", i)
				rec, claimed, err := s.GetOrClaim(ctx, "contended", func() affinity.Record {
					return record(owner, "http://"+owner+":8080")
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errsSeen = append(errsSeen, err)
					return
				}
				if claimed {
					claims.Add(1)
				}
				owners[rec.OwnerID]++
			}(i)
		}
		close(start)
		wg.Wait()

		if len(errsSeen) > 0 {
			t.Fatalf("unexpected errors: %v", errsSeen)
		}
		if got := claims.Load(); got != 1 {
			t.Fatalf("expected exactly one winning claim, got %d", got)
		}
		if len(owners) != 1 {
			t.Fatalf("callers disagree on the owner: %v", owners)
		}
	})
}

func record(owner, addr string) affinity.Record {
	return affinity.Record{OwnerID: owner, Address: addr, ClaimedAt: time.Now().UTC()}
}
