package memorystore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultMaxStreams bounds the number of streams held in memory. When the
// bound is reached the least recently used sealed stream is dropped, or the
// least recently used stream of all when none is sealed. Appends and reads
// count as use.
const DefaultMaxStreams = 10_000

// DefaultSweepInterval is how often expired streams and events are reclaimed.
const DefaultSweepInterval = time.Minute

// Option customizes a Store.
type Option func(*config)

type config struct {
	maxStreams int
	clock      clockwork.Clock
	opts       eventstore.Options
	sweep      time.Duration
	log        *slog.Logger
}

// WithMaxStreams overrides DefaultMaxStreams.
func WithMaxStreams(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxStreams = n
		}
	}
}

// WithClock substitutes the clock used for expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithExpiration overrides eventstore.DefaultOptions.
func WithExpiration(o eventstore.Options) Option {
	return func(c *config) { c.opts = o }
}

// WithSweepInterval overrides DefaultSweepInterval. Zero disables the
// background sweep; expiry is then only applied lazily on access.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweep = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// Store is an in-memory implementation of eventstore.Store. It is only
// suitable when a single process serves every request of a session.
type Store struct {
	clock      clockwork.Clock
	opts       eventstore.Options
	log        *slog.Logger
	maxStreams int

	mu       sync.Mutex
	streams  *lru.Cache[string, *stream]
	sessions map[string]map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

var _ eventstore.Store = (*Store)(nil)

// New creates an empty Store.
func New(opts ...Option) *Store {
	cfg := config{
		maxStreams: DefaultMaxStreams,
		clock:      clockwork.NewRealClock(),
		opts:       eventstore.DefaultOptions(),
		sweep:      DefaultSweepInterval,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{
		clock:      cfg.clock,
		opts:       cfg.opts,
		log:        cfg.log,
		maxStreams: cfg.maxStreams,
		sessions:   make(map[string]map[string]struct{}),
		stop:       make(chan struct{}),
	}
	// The size is validated above, so construction cannot fail.
	s.streams, _ = lru.NewWithEvict[string, *stream](cfg.maxStreams, s.onEvict)

	if cfg.sweep > 0 {
		go s.sweepLoop(cfg.sweep)
	}
	return s
}

type stream struct {
	id        string
	sessionID string
	created   time.Time

	mu      sync.Mutex
	touched time.Time
	events  []record
	lastSeq int64
	mode    eventstore.Mode
	retry   time.Duration
	sealed  bool
	deleted bool
	changed chan struct{}
}

type record struct {
	seq      int64
	payload  jsonrpc.Message
	appended time.Time
	touched  time.Time
}

// onEvict runs with s.mu held, for removals and capacity evictions alike.
func (s *Store) onEvict(id string, st *stream) {
	if ids, ok := s.sessions[st.sessionID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.sessions, st.sessionID)
		}
	}
	st.mu.Lock()
	st.deleted = true
	st.events = nil
	st.broadcastLocked()
	st.mu.Unlock()
}

// lookup returns a live stream, dropping it first when its metadata expired.
func (s *Store) lookup(streamID string) (*stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams.Get(streamID)
	if !ok {
		return nil, false
	}
	if s.metaExpired(st, s.clock.Now()) {
		s.streams.Remove(streamID)
		return nil, false
	}
	return st, true
}

// touch marks a stream as recently used. It must not be called with the
// stream's lock held.
func (s *Store) touch(streamID string) {
	s.mu.Lock()
	s.streams.Get(streamID)
	s.mu.Unlock()
}

// makeRoomLocked drops the least recently used sealed stream when the cache
// is full, so that streams still being written outlive finished ones.
func (s *Store) makeRoomLocked() {
	if s.streams.Len() < s.maxStreams {
		return
	}
	for _, id := range s.streams.Keys() {
		st, ok := s.streams.Peek(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		sealed := st.sealed
		st.mu.Unlock()
		if sealed {
			s.streams.Remove(id)
			return
		}
	}
}

func (s *Store) metaExpired(st *stream, now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	d := eventstore.Deadline(st.created, st.touched, s.opts.MetadataSlidingTTL, s.opts.MetadataAbsoluteTTL)
	return !d.IsZero() && !now.Before(d)
}

// CreateStream implements eventstore.Store.
func (s *Store) CreateStream(ctx context.Context, sessionID, streamID string) (eventstore.Writer, error) {
	now := s.clock.Now()
	st := &stream{
		id:        streamID,
		sessionID: sessionID,
		created:   now,
		touched:   now,
		mode:      eventstore.ModeStreaming,
		changed:   make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.streams.Peek(streamID); ok {
		if !s.metaExpired(existing, now) {
			return nil, fmt.Errorf("%w: %s", eventstore.ErrStreamExists, streamID)
		}
		s.streams.Remove(streamID)
	}
	s.makeRoomLocked()
	s.streams.Add(streamID, st)
	ids, ok := s.sessions[sessionID]
	if !ok {
		ids = make(map[string]struct{})
		s.sessions[sessionID] = ids
	}
	ids[streamID] = struct{}{}
	return &writer{s: s, st: st}, nil
}

// OpenReader implements eventstore.Store.
func (s *Store) OpenReader(ctx context.Context, sessionID, streamID string, afterSeq int64) (eventstore.Reader, error) {
	st, ok := s.lookup(streamID)
	if !ok || st.sessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, streamID)
	}
	return &reader{s: s, st: st, next: afterSeq + 1}, nil
}

// Resume implements eventstore.Store.
func (s *Store) Resume(ctx context.Context, sessionID, lastEventID string) (eventstore.Reader, error) {
	streamID, seq, err := eventstore.ParseEventID(lastEventID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eventstore.ErrResumeImpossible, err)
	}
	st, ok := s.lookup(streamID)
	if !ok || st.sessionID != sessionID {
		return nil, fmt.Errorf("%w: unknown stream %s", eventstore.ErrResumeImpossible, streamID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	now := s.clock.Now()
	s.pruneLocked(st, now)
	if seq > st.lastSeq {
		return nil, fmt.Errorf("%w: event %s was never issued", eventstore.ErrResumeImpossible, lastEventID)
	}
	if seq+1 < st.firstSeqLocked() {
		return nil, fmt.Errorf("%w: events after %s expired", eventstore.ErrResumeImpossible, lastEventID)
	}
	st.touched = now
	return &reader{s: s, st: st, next: seq + 1}, nil
}

// DeleteSession implements eventstore.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions[sessionID] {
		s.streams.Remove(id)
	}
	delete(s.sessions, sessionID)
	return nil
}

// Close stops the background sweep and drops every stream.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.streams.Purge()
	s.mu.Unlock()
	return nil
}

// Sweep drops expired streams and events. It runs periodically in the
// background and is exported for tests driving a fake clock.
func (s *Store) Sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for _, id := range s.streams.Keys() {
		st, ok := s.streams.Peek(id)
		if !ok {
			continue
		}
		if s.metaExpired(st, now) {
			s.streams.Remove(id)
			expired++
			continue
		}
		st.mu.Lock()
		s.pruneLocked(st, now)
		st.mu.Unlock()
	}
	if expired > 0 {
		s.log.Debug("eventstore.sweep.ok", slog.Int("expired_streams", expired))
	}
}

func (s *Store) sweepLoop(every time.Duration) {
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// pruneLocked drops expired events from the head of the log so that the
// retained events stay contiguous.
func (s *Store) pruneLocked(st *stream, now time.Time) {
	n := 0
	for n < len(st.events) {
		rec := st.events[n]
		d := eventstore.Deadline(rec.appended, rec.touched, s.opts.EventSlidingTTL, s.opts.EventAbsoluteTTL)
		if d.IsZero() || now.Before(d) {
			break
		}
		n++
	}
	if n > 0 {
		st.events = append([]record(nil), st.events[n:]...)
	}
}

func (st *stream) firstSeqLocked() int64 {
	if len(st.events) > 0 {
		return st.events[0].seq
	}
	return st.lastSeq + 1
}

func (st *stream) broadcastLocked() {
	close(st.changed)
	st.changed = make(chan struct{})
}

type writer struct {
	s  *Store
	st *stream
}

func (w *writer) StreamID() string { return w.st.id }

func (w *writer) Append(ctx context.Context, payload jsonrpc.Message) (eventstore.Event, error) {
	st := w.st
	w.s.touch(st.id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return eventstore.Event{}, fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, st.id)
	}
	if st.sealed {
		return eventstore.Event{}, eventstore.ErrStreamSealed
	}

	now := w.s.clock.Now()
	w.s.pruneLocked(st, now)
	st.lastSeq++
	var data jsonrpc.Message
	if payload != nil {
		data = append(jsonrpc.Message(nil), payload...)
	}
	st.events = append(st.events, record{seq: st.lastSeq, payload: data, appended: now, touched: now})
	st.touched = now
	st.broadcastLocked()

	return eventstore.Event{
		ID:       eventstore.FormatEventID(st.id, st.lastSeq),
		StreamID: st.id,
		Seq:      st.lastSeq,
		Payload:  data,
	}, nil
}

func (w *writer) SetMode(ctx context.Context, mode eventstore.Mode, retry time.Duration) error {
	st := w.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, st.id)
	}
	if st.sealed {
		return eventstore.ErrStreamSealed
	}
	st.mode = mode
	st.retry = retry
	st.touched = w.s.clock.Now()
	st.broadcastLocked()
	return nil
}

func (w *writer) Seal(ctx context.Context) error {
	st := w.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sealed || st.deleted {
		return nil
	}
	st.sealed = true
	st.broadcastLocked()
	return nil
}

func (w *writer) Close(ctx context.Context) error { return w.Seal(ctx) }

type reader struct {
	s     *Store
	st    *stream
	next  int64
	retry time.Duration
}

func (r *reader) StreamID() string { return r.st.id }

func (r *reader) RetryInterval() time.Duration { return r.retry }

func (r *reader) Next(ctx context.Context) (eventstore.Event, error) {
	st := r.st
	r.s.touch(st.id)
	for {
		st.mu.Lock()
		if st.deleted {
			st.mu.Unlock()
			return eventstore.Event{}, io.EOF
		}
		now := r.s.clock.Now()
		r.s.pruneLocked(st, now)
		first := st.firstSeqLocked()
		if r.next < first && r.next <= st.lastSeq {
			st.mu.Unlock()
			return eventstore.Event{}, fmt.Errorf("%w: events before seq %d expired", eventstore.ErrResumeImpossible, first)
		}
		if idx := int(r.next - first); idx >= 0 && idx < len(st.events) {
			rec := &st.events[idx]
			rec.touched = now
			st.touched = now
			r.next = rec.seq + 1
			ev := eventstore.Event{
				ID:       eventstore.FormatEventID(st.id, rec.seq),
				StreamID: st.id,
				Seq:      rec.seq,
				Payload:  rec.payload,
			}
			st.mu.Unlock()
			if ev.Payload == nil {
				continue
			}
			return ev, nil
		}
		if st.sealed {
			st.mu.Unlock()
			return eventstore.Event{}, io.EOF
		}
		if st.mode == eventstore.ModePolling {
			r.retry = st.retry
			st.mu.Unlock()
			return eventstore.Event{}, eventstore.ErrPolling
		}
		st.touched = now
		changed := st.changed
		st.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return eventstore.Event{}, ctx.Err()
		}
	}
}
