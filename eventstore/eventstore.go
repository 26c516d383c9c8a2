package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrResumeImpossible reports that a Last-Event-ID cannot be resumed from:
	// it is malformed, unknown, expired, owned by another session, ahead of
	// the log, or the store could not be reached. Callers must fall back to a
	// fresh stream rather than serve an empty replay.
	ErrResumeImpossible = errors.New("resume impossible")
	// ErrStreamNotFound is returned when a stream does not exist or has expired.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamExists is returned when creating a stream id twice.
	ErrStreamExists = errors.New("stream already exists")
	// ErrStreamSealed is returned when writing to a sealed stream.
	ErrStreamSealed = errors.New("stream sealed")
	// ErrPolling is returned by Reader.Next once a polling-mode stream has been
	// drained. The client should reconnect after Reader.RetryInterval.
	ErrPolling = errors.New("stream in polling mode")
)

// Mode is the delivery mode of a stream.
type Mode string

const (
	// ModeStreaming keeps readers attached and pushes events as they arrive.
	ModeStreaming Mode = "streaming"
	// ModePolling makes readers drain what is available and return.
	ModePolling Mode = "polling"
)

// Event is one entry of a stream's log. A nil Payload marks a control event
// (for example a stream-open priming marker); readers never return those.
type Event struct {
	ID       string
	StreamID string
	Seq      int64
	Payload  jsonrpc.Message
}

// Store persists outbound SSE events per stream so that a reconnecting client
// can replay what it missed.
type Store interface {
	// CreateStream opens a new, empty stream in streaming mode.
	CreateStream(ctx context.Context, sessionID, streamID string) (Writer, error)
	// OpenReader reads the stream from the first event with a sequence
	// greater than afterSeq.
	OpenReader(ctx context.Context, sessionID, streamID string, afterSeq int64) (Reader, error)
	// Resume resolves lastEventID and reads everything after it. Any failure
	// is reported as ErrResumeImpossible.
	Resume(ctx context.Context, sessionID, lastEventID string) (Reader, error)
	// DeleteSession drops every stream belonging to the session. Attached
	// readers drain and return io.EOF.
	DeleteSession(ctx context.Context, sessionID string) error
	// Close releases store resources.
	Close() error
}

// Writer is the single appender of a stream.
type Writer interface {
	StreamID() string
	// Append assigns the next sequence and persists payload. A nil payload
	// records a control event.
	Append(ctx context.Context, payload jsonrpc.Message) (Event, error)
	// SetMode switches the delivery mode. retry is advertised to polling
	// clients.
	SetMode(ctx context.Context, mode Mode, retry time.Duration) error
	// Seal marks the stream complete; it is idempotent.
	Seal(ctx context.Context) error
	// Close seals the stream.
	Close(ctx context.Context) error
}

// Reader iterates a stream's events in sequence order. Readers are
// independent and safe to use alongside the writer and other readers.
type Reader interface {
	StreamID() string
	// Next returns the next event. It blocks in streaming mode, returns
	// ErrPolling once drained in polling mode and io.EOF once drained after
	// the stream was sealed or deleted.
	Next(ctx context.Context) (Event, error)
	// RetryInterval is the polling interval observed with the last ErrPolling.
	RetryInterval() time.Duration
}

// Options is the expiration policy of a store. The effective expiry of an
// entry is the earlier of its last touch plus the sliding TTL and its
// creation plus the absolute TTL. Expiry reclaims space only; readers that
// are already attached are not required to observe it.
type Options struct {
	EventSlidingTTL     time.Duration
	EventAbsoluteTTL    time.Duration
	MetadataSlidingTTL  time.Duration
	MetadataAbsoluteTTL time.Duration
}

// DefaultOptions expires events sooner than stream metadata.
func DefaultOptions() Options {
	return Options{
		EventSlidingTTL:     30 * time.Minute,
		EventAbsoluteTTL:    2 * time.Hour,
		MetadataSlidingTTL:  time.Hour,
		MetadataAbsoluteTTL: 4 * time.Hour,
	}
}

// Deadline computes min(touched+sliding, created+absolute). A zero TTL
// disables that bound.
func Deadline(created, touched time.Time, sliding, absolute time.Duration) time.Time {
	var d time.Time
	if sliding > 0 {
		d = touched.Add(sliding)
	}
	if absolute > 0 {
		if abs := created.Add(absolute); d.IsZero() || abs.Before(d) {
			d = abs
		}
	}
	return d
}

// NewStreamID returns a fresh, lexically sortable stream id.
func NewStreamID() string {
	return ulid.Make().String()
}

// FormatEventID derives the globally unique event id of seq in streamID.
func FormatEventID(streamID string, seq int64) string {
	return streamID + "_" + strconv.FormatInt(seq, 10)
}

// ParseEventID splits an event id produced by FormatEventID.
func ParseEventID(id string) (streamID string, seq int64, err error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed event id %q", id)
	}
	seq, err = strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("malformed event id %q", id)
	}
	return id[:i], seq, nil
}
