package memorystore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/eventstore/eventstoretest"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/jonboulle/clockwork"
)

func TestMemoryStore(t *testing.T) {
	eventstoretest.Run(t, func(t *testing.T) eventstore.Store {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_EventsExpireBeforeMetadata(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock), WithSweepInterval(0), WithExpiration(eventstore.Options{
		EventSlidingTTL:     time.Minute,
		EventAbsoluteTTL:    time.Hour,
		MetadataSlidingTTL:  10 * time.Minute,
		MetadataAbsoluteTTL: time.Hour,
	}))
	defer s.Close()

	w, err := s.CreateStream(ctx, "sess", eventstore.NewStreamID())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := w.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"a"}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := w.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"b"}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	clock.Advance(2 * time.Minute)
	s.Sweep()

	// Both events are gone, so replay after the first cannot be served.
	if _, err := s.Resume(ctx, "sess", first.ID); !errors.Is(err, eventstore.ErrResumeImpossible) {
		t.Fatalf("expected ErrResumeImpossible, got %v", err)
	}
	// Resuming from the last issued id still works: nothing was missed.
	if _, err := s.Resume(ctx, "sess", second.ID); err != nil {
		t.Fatalf("resume from last: %v", err)
	}

	clock.Advance(11 * time.Minute)
	if _, err := s.Resume(ctx, "sess", second.ID); !errors.Is(err, eventstore.ErrResumeImpossible) {
		t.Fatalf("expected metadata expiry, got %v", err)
	}
}

func TestMemoryStore_SlidingTTLRefreshedByReads(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock), WithSweepInterval(0), WithExpiration(eventstore.Options{
		EventSlidingTTL:     time.Minute,
		EventAbsoluteTTL:    5 * time.Minute,
		MetadataSlidingTTL:  time.Hour,
		MetadataAbsoluteTTL: time.Hour,
	}))
	defer s.Close()

	w, _ := s.CreateStream(ctx, "sess", eventstore.NewStreamID())
	ev, _ := w.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"a"}`))
	_ = w.Seal(ctx)

	for i := 0; i < 3; i++ {
		clock.Advance(50 * time.Second)
		r, err := s.OpenReader(ctx, "sess", w.StreamID(), 0)
		if err != nil {
			t.Fatalf("open reader: %v", err)
		}
		got, err := r.Next(ctx)
		if err != nil || got.ID != ev.ID {
			t.Fatalf("round %d: got %v, %v", i, got.ID, err)
		}
	}

	// The absolute bound still applies however often the event is read.
	clock.Advance(3 * time.Minute)
	r, err := s.OpenReader(ctx, "sess", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	if _, err := r.Next(ctx); !errors.Is(err, eventstore.ErrResumeImpossible) {
		t.Fatalf("expected expired events to be reported, got %v", err)
	}
}

func TestMemoryStore_MaxStreamsEvictsLeastRecentlyUsed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := New(WithMaxStreams(2), WithSweepInterval(0))
	defer s.Close()

	w1, _ := s.CreateStream(ctx, "sess", "stream-1")
	r1, err := s.OpenReader(ctx, "sess", "stream-1", 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	if _, err := s.CreateStream(ctx, "sess", "stream-2"); err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if _, err := s.CreateStream(ctx, "sess", "stream-3"); err != nil {
		t.Fatalf("create 3: %v", err)
	}

	if _, err := s.OpenReader(ctx, "sess", "stream-1", 0); !errors.Is(err, eventstore.ErrStreamNotFound) {
		t.Fatalf("expected stream-1 to be evicted, got %v", err)
	}
	if _, err := r1.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("attached reader should end with io.EOF, got %v", err)
	}
	if _, err := w1.Append(ctx, jsonrpc.Message(`{}`)); !errors.Is(err, eventstore.ErrStreamNotFound) {
		t.Fatalf("writer of evicted stream: %v", err)
	}
}

func TestMemoryStore_ActiveStreamsOutliveNewerOnes(t *testing.T) {
	ctx := context.Background()
	s := New(WithMaxStreams(2), WithSweepInterval(0))
	defer s.Close()

	active, err := s.CreateStream(ctx, "sess", "active")
	if err != nil {
		t.Fatalf("create active: %v", err)
	}
	if _, err := active.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"a"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.CreateStream(ctx, "sess", "other-1"); err != nil {
		t.Fatalf("create other-1: %v", err)
	}
	// Writing counts as use, so other-1 is now the eviction candidate.
	if _, err := active.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"b"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.CreateStream(ctx, "sess", "other-2"); err != nil {
		t.Fatalf("create other-2: %v", err)
	}
	if _, err := active.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"c"}`)); err != nil {
		t.Fatalf("append after eviction: %v", err)
	}
	if _, err := s.OpenReader(ctx, "sess", "other-1", 0); !errors.Is(err, eventstore.ErrStreamNotFound) {
		t.Fatalf("expected other-1 to be evicted, got %v", err)
	}
}

func TestMemoryStore_SealedStreamsEvictedFirst(t *testing.T) {
	ctx := context.Background()
	s := New(WithMaxStreams(2), WithSweepInterval(0))
	defer s.Close()

	open, err := s.CreateStream(ctx, "sess", "open")
	if err != nil {
		t.Fatalf("create open: %v", err)
	}
	finished, err := s.CreateStream(ctx, "sess", "finished")
	if err != nil {
		t.Fatalf("create finished: %v", err)
	}
	if err := finished.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.CreateStream(ctx, "sess", "fresh"); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	// "open" is the least recently used, but it has not been sealed.
	if _, err := open.Append(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"a"}`)); err != nil {
		t.Fatalf("append to open stream: %v", err)
	}
	if _, err := s.OpenReader(ctx, "sess", "finished", 0); !errors.Is(err, eventstore.ErrStreamNotFound) {
		t.Fatalf("expected sealed stream to be evicted, got %v", err)
	}
}
