package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
)

// Factory creates a new, empty Store for one test.
type Factory func(t *testing.T) eventstore.Store

// Run runs the complete Store conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("Append_AssignsMonotonicIDs", func(t *testing.T) { testAppendAssignsMonotonicIDs(t, factory) })
	t.Run("Replay_FromMiddlePreservesOrder", func(t *testing.T) { testReplayFromMiddle(t, factory) })
	t.Run("Replay_FromLastIsEmpty", func(t *testing.T) { testReplayFromLast(t, factory) })
	t.Run("Resume_UnknownIDIsImpossible", func(t *testing.T) { testResumeUnknown(t, factory) })
	t.Run("Resume_OtherSessionIsImpossible", func(t *testing.T) { testResumeOtherSession(t, factory) })
	t.Run("Control_EventsAreNeverReturned", func(t *testing.T) { testControlEvents(t, factory) })
	t.Run("Streaming_ReaderWaitsForAppend", func(t *testing.T) { testStreamingWaits(t, factory) })
	t.Run("Streaming_ReaderHonoursContext", func(t *testing.T) { testReaderContext(t, factory) })
	t.Run("Polling_ReaderDrainsAndReturns", func(t *testing.T) { testPolling(t, factory) })
	t.Run("Polling_SwitchWakesWaitingReader", func(t *testing.T) { testPollingSwitchWakes(t, factory) })
	t.Run("Seal_RejectsWritesAndEndsReaders", func(t *testing.T) { testSeal(t, factory) })
	t.Run("DeleteSession_EndsReadersAndResume", func(t *testing.T) { testDeleteSession(t, factory) })
	t.Run("Readers_AreIndependent", func(t *testing.T) { testConcurrentReaders(t, factory) })
	t.Run("Streams_IsolatedBetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("CreateStream_RejectsDuplicate", func(t *testing.T) { testDuplicateStream(t, factory) })
}

func payload(i int) jsonrpc.Message {
	return jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","method":"test/event","params":{"n":%d}}`, i))
}

func appendN(t *testing.T, ctx context.Context, w eventstore.Writer, n int) []eventstore.Event {
	t.Helper()
	out := make([]eventstore.Event, 0, n)
	for i := 1; i <= n; i++ {
		ev, err := w.Append(ctx, payload(i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, ev)
	}
	return out
}

func newStream(t *testing.T, ctx context.Context, s eventstore.Store, sessionID string) eventstore.Writer {
	t.Helper()
	w, err := s.CreateStream(ctx, sessionID, eventstore.NewStreamID())
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return w
}

func drain(t *testing.T, ctx context.Context, r eventstore.Reader) ([]eventstore.Event, error) {
	t.Helper()
	var out []eventstore.Event
	for {
		ev, err := r.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func testAppendAssignsMonotonicIDs(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	evs := appendN(t, ctx, w, 3)
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.StreamID != w.StreamID() {
			t.Fatalf("event %d has stream %s, want %s", i, ev.StreamID, w.StreamID())
		}
		if ev.ID != eventstore.FormatEventID(w.StreamID(), ev.Seq) {
			t.Fatalf("event %d has id %s", i, ev.ID)
		}
		if i > 0 && !(evs[i-1].ID < ev.ID) {
			t.Fatalf("ids not increasing: %s then %s", evs[i-1].ID, ev.ID)
		}
	}
}

func testReplayFromMiddle(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	evs := appendN(t, ctx, w, 5)
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}

	r, err := s.Resume(ctx, "sess-1", evs[1].ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err := drain(t, ctx, r)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after sealed stream, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		want := evs[i+2]
		if ev.ID != want.ID || string(ev.Payload) != string(want.Payload) {
			t.Fatalf("event %d = %s %s, want %s %s", i, ev.ID, ev.Payload, want.ID, want.Payload)
		}
	}
}

func testReplayFromLast(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	evs := appendN(t, ctx, w, 5)
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	r, err := s.Resume(ctx, "sess-1", evs[4].ID)
	if err != nil {
		t.Fatalf("resume from last event must succeed: %v", err)
	}
	got, err := drain(t, ctx, r)
	if !errors.Is(err, io.EOF) || len(got) != 0 {
		t.Fatalf("expected empty replay, got %d events and %v", len(got), err)
	}
}

func testResumeUnknown(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	appendN(t, ctx, w, 2)

	for name, id := range map[string]string{
		"malformed":      "not-an-event-id",
		"unknown stream": eventstore.FormatEventID(eventstore.NewStreamID(), 1),
		"never issued":   eventstore.FormatEventID(w.StreamID(), 99),
	} {
		if _, err := s.Resume(ctx, "sess-1", id); !errors.Is(err, eventstore.ErrResumeImpossible) {
			t.Fatalf("%s: expected ErrResumeImpossible, got %v", name, err)
		}
	}
}

func testResumeOtherSession(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	evs := appendN(t, ctx, w, 2)
	if _, err := s.Resume(ctx, "sess-2", evs[0].ID); !errors.Is(err, eventstore.ErrResumeImpossible) {
		t.Fatalf("expected ErrResumeImpossible, got %v", err)
	}
	if _, err := s.OpenReader(ctx, "sess-2", w.StreamID(), 0); !errors.Is(err, eventstore.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func testControlEvents(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	prime, err := w.Append(ctx, nil)
	if err != nil {
		t.Fatalf("append control: %v", err)
	}
	if prime.Seq != 1 || prime.Payload != nil {
		t.Fatalf("unexpected control event %+v", prime)
	}
	evs := appendN(t, ctx, w, 2)
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}

	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	got, err := drain(t, ctx, r)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(got) != 2 || got[0].ID != evs[0].ID || got[1].ID != evs[1].ID {
		t.Fatalf("unexpected events %+v", got)
	}

	// The control event id is a valid resume point.
	r, err = s.Resume(ctx, "sess-1", prime.ID)
	if err != nil {
		t.Fatalf("resume from control event: %v", err)
	}
	got, _ = drain(t, ctx, r)
	if len(got) != 2 {
		t.Fatalf("expected 2 events after control event, got %d", len(got))
	}
}

func testStreamingWaits(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}

	got := make(chan eventstore.Event, 1)
	errc := make(chan error, 1)
	go func() {
		ev, err := r.Next(ctx)
		if err != nil {
			errc <- err
			return
		}
		got <- ev
	}()

	select {
	case ev := <-got:
		t.Fatalf("reader returned before append: %+v", ev)
	case err := <-errc:
		t.Fatalf("reader failed before append: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	want := appendN(t, ctx, w, 1)[0]
	select {
	case ev := <-got:
		if ev.ID != want.ID {
			t.Fatalf("got %s, want %s", ev.ID, want.ID)
		}
	case err := <-errc:
		t.Fatalf("reader failed: %v", err)
	case <-ctx.Done():
		t.Fatalf("reader never woke up")
	}
}

func testReaderContext(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	rctx, rcancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer rcancel()
	if _, err := r.Next(rctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testPolling(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	evs := appendN(t, ctx, w, 2)
	if err := w.SetMode(ctx, eventstore.ModePolling, 1500*time.Millisecond); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	got, err := drain(t, ctx, r)
	if !errors.Is(err, eventstore.ErrPolling) {
		t.Fatalf("expected ErrPolling, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if r.RetryInterval() != 1500*time.Millisecond {
		t.Fatalf("retry interval = %v", r.RetryInterval())
	}

	// Work continues while the client is away; the next poll picks it up.
	more := appendN(t, ctx, w, 1)
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	r, err = s.Resume(ctx, "sess-1", evs[1].ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err = drain(t, ctx, r)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after seal, got %v", err)
	}
	if len(got) != 1 || got[0].ID != more[0].ID {
		t.Fatalf("unexpected events after poll: %+v", got)
	}
	if err := w.SetMode(ctx, eventstore.ModeStreaming, 0); !errors.Is(err, eventstore.ErrStreamSealed) {
		t.Fatalf("mode change on sealed stream: %v", err)
	}
}

func testPollingSwitchWakes(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := w.SetMode(ctx, eventstore.ModePolling, time.Second); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, eventstore.ErrPolling) {
			t.Fatalf("expected ErrPolling, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("reader not woken by mode switch")
	}
}

func testSeal(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := drain(t, ctx, r)
		errc <- err
	}()
	appendN(t, ctx, w, 1)
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("second seal: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("reader not ended by seal")
	}
	if _, err := w.Append(ctx, payload(9)); !errors.Is(err, eventstore.ErrStreamSealed) {
		t.Fatalf("expected ErrStreamSealed, got %v", err)
	}
}

func testDeleteSession(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	evs := appendN(t, ctx, w, 1)
	r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 1)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("reader not ended by delete")
	}
	if _, err := s.Resume(ctx, "sess-1", evs[0].ID); !errors.Is(err, eventstore.ErrResumeImpossible) {
		t.Fatalf("expected ErrResumeImpossible after delete, got %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-unknown"); err != nil {
		t.Fatalf("deleting unknown session: %v", err)
	}
}

func testConcurrentReaders(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := newStream(t, ctx, s, "sess-1")
	const readers, events = 3, 10

	var wg sync.WaitGroup
	results := make([][]eventstore.Event, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		r, err := s.OpenReader(ctx, "sess-1", w.StreamID(), 0)
		if err != nil {
			t.Fatalf("open reader %d: %v", i, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = drain(t, ctx, r)
		}()
	}
	appendN(t, ctx, w, events)
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		if !errors.Is(errs[i], io.EOF) {
			t.Fatalf("reader %d ended with %v", i, errs[i])
		}
		if len(results[i]) != events {
			t.Fatalf("reader %d got %d events", i, len(results[i]))
		}
		for j, ev := range results[i] {
			if ev.Seq != int64(j+1) {
				t.Fatalf("reader %d event %d has seq %d", i, j, ev.Seq)
			}
		}
	}
}

func testIsolation(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w1 := newStream(t, ctx, s, "sess-1")
	w2 := newStream(t, ctx, s, "sess-2")
	appendN(t, ctx, w1, 2)
	appendN(t, ctx, w2, 1)

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := w2.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	r, err := s.OpenReader(ctx, "sess-2", w2.StreamID(), 0)
	if err != nil {
		t.Fatalf("sess-2 stream must survive sess-1 deletion: %v", err)
	}
	got, _ := drain(t, ctx, r)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
}

func testDuplicateStream(t *testing.T, factory Factory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := eventstore.NewStreamID()
	if _, err := s.CreateStream(ctx, "sess-1", id); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateStream(ctx, "sess-1", id); !errors.Is(err, eventstore.ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}
