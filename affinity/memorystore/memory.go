// Package memorystore implements affinity.Store in process memory.
//
// It is only useful when every router shares the process, which makes it a
// fit for tests and single-instance deployments that still want the router's
// cleanup behaviour.
package memorystore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-go/affinity"
	"github.com/jonboulle/clockwork"
)

// DefaultSweepInterval is how often expired records are reclaimed.
const DefaultSweepInterval = time.Minute

type entry struct {
	rec     affinity.Record
	claimed time.Time
	touched time.Time
}

// Store is an in-memory affinity.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]*entry
	clock   clockwork.Clock
	exp     affinity.Expiration
	sweep   time.Duration
	log     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

var _ affinity.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiry. Defaults to the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithExpiration overrides affinity.DefaultExpiration.
func WithExpiration(e affinity.Expiration) Option {
	return func(s *Store) { s.exp = e }
}

// WithSweepInterval overrides DefaultSweepInterval. Zero disables the
// background sweep; expired records are then only dropped when looked up.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweep = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates an empty Store. Unless the sweep is disabled, Close must be
// called to stop it.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*entry),
		clock:   clockwork.NewRealClock(),
		exp:     affinity.DefaultExpiration,
		sweep:   DefaultSweepInterval,
		log:     slog.New(slog.DiscardHandler),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweep > 0 {
		go s.sweepLoop()
	}
	return s
}

// Close stops the background sweep.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Len reports how many records are held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep drops every expired record. It runs periodically in the background
// and is exported for tests driving a fake clock.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	expired := 0
	for id, e := range s.records {
		if s.expired(e, now) {
			delete(s.records, id)
			expired++
		}
	}
	if expired > 0 {
		s.log.Debug("affinity.sweep.ok", slog.Int("expired_records", expired))
	}
}

func (s *Store) sweepLoop() {
	ticker := s.clock.NewTicker(s.sweep)
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

func (s *Store) expired(e *entry, now time.Time) bool {
	dl := s.exp.Deadline(e.claimed, e.touched)
	return !dl.IsZero() && !now.Before(dl)
}

// lookupLocked returns the live entry for sessionID, dropping it if expired.
func (s *Store) lookupLocked(sessionID string, now time.Time) (*entry, bool) {
	e, ok := s.records[sessionID]
	if !ok {
		return nil, false
	}
	if s.expired(e, now) {
		delete(s.records, sessionID)
		return nil, false
	}
	return e, true
}

func (s *Store) GetOrClaim(ctx context.Context, sessionID string, claim func() affinity.Record) (affinity.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return affinity.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.lookupLocked(sessionID, now); ok {
		e.touched = now
		return e.rec, false, nil
	}
	rec := claim()
	if rec.ClaimedAt.IsZero() {
		rec.ClaimedAt = now
	}
	// Expiry is measured against the store clock, not the caller's.
	s.records[sessionID] = &entry{rec: rec, claimed: now, touched: now}
	return rec, true, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (affinity.Record, error) {
	if err := ctx.Err(); err != nil {
		return affinity.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(sessionID, s.clock.Now())
	if !ok {
		return affinity.Record{}, affinity.ErrNotFound
	}
	return e.rec, nil
}

func (s *Store) DeleteIfOwner(ctx context.Context, sessionID, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(sessionID, s.clock.Now())
	if !ok || e.rec.OwnerID != ownerID {
		return false, nil
	}
	delete(s.records, sessionID)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, sessionID)
	s.mu.Unlock()
	return nil
}
