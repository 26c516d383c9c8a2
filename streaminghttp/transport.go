package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/internal/metrics"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/session"
)

// ErrNoStream is returned by EnablePolling when the context does not belong
// to a request that arrived over a streamable HTTP POST.
var ErrNoStream = errors.New("streaminghttp: no response stream for request")

const (
	inboundBuffer = 64
	liveBuffer    = 64
)

// liveFeed hands frames the store refused directly to the response attached
// to their stream. Such frames carry no event id and cannot be replayed.
type liveFeed struct {
	frames chan jsonrpc.Message
	// done is closed once the stream is finished. unrecorded is set first
	// when the store failed to record the end, so readers never observe it.
	done       chan struct{}
	unrecorded atomic.Bool
	finish     sync.Once
}

func newLiveFeed() *liveFeed {
	return &liveFeed{frames: make(chan jsonrpc.Message, liveBuffer), done: make(chan struct{})}
}

// push never blocks; it reports false when the buffer is full.
func (f *liveFeed) push(msg jsonrpc.Message) bool {
	select {
	case f.frames <- msg:
		return true
	default:
		return false
	}
}

func (f *liveFeed) end(recorded bool) {
	f.finish.Do(func() {
		f.unrecorded.Store(!recorded)
		close(f.done)
	})
}

// serverTransport is the session.Transport of one HTTP session. Inbound
// frames are pushed by POST handlers; outbound frames are appended to the
// event stream of the POST that carried the related request, or to the
// session's standalone stream when there is none.
type serverTransport struct {
	sessionID string
	store     eventstore.Store
	log       *slog.Logger
	metrics   *metrics.HTTP

	inbound chan jsonrpc.Message
	closed  chan struct{}
	once    sync.Once

	// routes maps inbound request ids to the POST stream answering them.
	routes sync.Map // string -> *postStream

	standalone eventstore.Writer
	// standaloneLive carries standalone frames the store refused.
	standaloneLive *liveFeed
	// delivered is the last standalone sequence written to a client.
	delivered atomic.Int64
}

func newServerTransport(sessionID string, store eventstore.Store, standalone eventstore.Writer, log *slog.Logger, m *metrics.HTTP) *serverTransport {
	return &serverTransport{
		sessionID:  sessionID,
		store:      store,
		log:        log,
		metrics:    m,
		inbound:    make(chan jsonrpc.Message, inboundBuffer),
		closed:     make(chan struct{}),
		standalone: standalone,

		standaloneLive: newLiveFeed(),
	}
}

func (t *serverTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	// Frames accepted before Close are still handed to the session.
	select {
	case msg := <-t.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *serverTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}

	if rid := session.RequestIDFromContext(ctx); rid != nil {
		if v, ok := t.routes.Load(rid.String()); ok {
			err := v.(*postStream).append(ctx, msg)
			if err == nil {
				return nil
			}
			if !errors.Is(err, eventstore.ErrStreamSealed) {
				return err
			}
			// The stream finished under us; fall through to standalone.
		}
	}

	if t.standalone == nil {
		return fmt.Errorf("session %s has no standalone stream", t.sessionID)
	}
	if _, err := t.standalone.Append(ctx, msg); err != nil {
		t.persistFailed(ctx, t.standaloneLive, t.standalone.StreamID(), msg, err)
		return nil
	}
	t.metrics.EventAppended()
	return nil
}

// persistFailed routes a frame the store refused to the live feed of its
// stream. The send itself is never failed by the store.
func (t *serverTransport) persistFailed(ctx context.Context, feed *liveFeed, streamID string, msg jsonrpc.Message, err error) {
	t.log.WarnContext(ctx, "sse.persist.fail", slog.String("stream_id", streamID), slog.String("err", err.Error()))
	if !feed.push(msg) {
		t.log.WarnContext(ctx, "sse.live.drop", slog.String("stream_id", streamID))
	}
}

func (t *serverTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.routes.Range(func(_, v any) bool {
			_ = v.(*postStream).seal(ctx)
			return true
		})
		if t.standalone != nil {
			t.standaloneLive.end(t.standalone.Close(ctx) == nil)
		}
	})
	return nil
}

func (t *serverTransport) markDelivered(seq int64) {
	for {
		cur := t.delivered.Load()
		if seq <= cur || t.delivered.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// deliver hands an inbound frame to the session's receive loop.
func (t *serverTransport) deliver(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case t.inbound <- msg:
		return nil
	case <-t.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// openPost creates the event stream that answers the given inbound request
// ids. It fails if any id is still being answered on another stream.
func (t *serverTransport) openPost(ctx context.Context, ids []*jsonrpc.RequestID) (*postStream, error) {
	w, err := t.store.CreateStream(ctx, t.sessionID, eventstore.NewStreamID())
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	ps := &postStream{t: t, w: w, pending: make(map[string]struct{}, len(ids)), live: newLiveFeed()}
	for _, id := range ids {
		ps.pending[id.String()] = struct{}{}
	}
	for i, id := range ids {
		if _, loaded := t.routes.LoadOrStore(id.String(), ps); loaded {
			for _, prev := range ids[:i] {
				t.routes.Delete(prev.String())
			}
			_ = w.Close(ctx)
			return nil, errDuplicateRequestID
		}
	}
	return ps, nil
}

var errDuplicateRequestID = errors.New("request id already in flight")

// postStream is the event stream backing one POST response. It is sealed
// once every request it carried has been answered.
type postStream struct {
	t    *serverTransport
	w    eventstore.Writer
	live *liveFeed

	mu      sync.Mutex
	pending map[string]struct{}
	sealed  bool
}

func (ps *postStream) append(ctx context.Context, msg jsonrpc.Message) error {
	ps.mu.Lock()
	sealed := ps.sealed
	ps.mu.Unlock()
	if sealed {
		return eventstore.ErrStreamSealed
	}

	if _, err := ps.w.Append(ctx, msg); err != nil {
		if errors.Is(err, eventstore.ErrStreamSealed) {
			return err
		}
		ps.t.persistFailed(ctx, ps.live, ps.w.StreamID(), msg, err)
	} else {
		ps.t.metrics.EventAppended()
	}

	var parsed jsonrpc.AnyMessage
	if err := parsed.UnmarshalJSON(msg); err != nil || parsed.Type() != jsonrpc.TypeResponse {
		return nil
	}
	key := parsed.ID.String()

	ps.mu.Lock()
	_, ok := ps.pending[key]
	if ok {
		delete(ps.pending, key)
		ps.t.routes.Delete(key)
	}
	finished := ok && len(ps.pending) == 0
	ps.mu.Unlock()

	if finished {
		return ps.seal(ctx)
	}
	return nil
}

func (ps *postStream) seal(ctx context.Context) error {
	ps.mu.Lock()
	if ps.sealed {
		ps.mu.Unlock()
		return nil
	}
	ps.sealed = true
	for key := range ps.pending {
		ps.t.routes.Delete(key)
	}
	ps.mu.Unlock()
	err := ps.w.Seal(context.WithoutCancel(ctx))
	if err != nil {
		ps.t.log.WarnContext(ctx, "sse.seal.fail", slog.String("stream_id", ps.w.StreamID()), slog.String("err", err.Error()))
	}
	ps.live.end(err == nil)
	return err
}

type transportKey struct{}

func withTransport(ctx context.Context, t *serverTransport) context.Context {
	return context.WithValue(ctx, transportKey{}, t)
}

// EnablePolling switches the response stream of the request being handled to
// polling mode. The POST response ends once it has delivered what is
// buffered, advertising retry; the client reconnects with GET and
// Last-Event-ID to collect the rest.
//
// ctx must be the context passed to a request handler by a session served by
// a Handler.
func EnablePolling(ctx context.Context, retry time.Duration) error {
	t, ok := ctx.Value(transportKey{}).(*serverTransport)
	if !ok {
		return ErrNoStream
	}
	rid := session.RequestIDFromContext(ctx)
	if rid == nil {
		return ErrNoStream
	}
	v, ok := t.routes.Load(rid.String())
	if !ok {
		return ErrNoStream
	}
	ps := v.(*postStream)
	if err := ps.w.SetMode(ctx, eventstore.ModePolling, retry); err != nil {
		return fmt.Errorf("enable polling: %w", err)
	}
	t.log.DebugContext(ctx, "sse.stream.polling", slog.String("stream_id", ps.w.StreamID()), slog.Duration("retry", retry))
	return nil
}
