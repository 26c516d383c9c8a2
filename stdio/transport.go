package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/session"
)

var _ session.Transport = (*Transport)(nil)

// Transport frames JSON-RPC messages as newline-delimited JSON over a reader
// and writer pair. By default, it uses os.Stdin and os.Stdout.
//
// The underlying reader is consumed by a background goroutine that starts on
// the first Read. Close unblocks Read but cannot interrupt a read already
// blocked in the underlying reader; that goroutine exits when the reader does.
type Transport struct {
	r       io.Reader
	w       io.Writer
	log     *slog.Logger
	maxSize int

	writeMu sync.Mutex

	startOnce sync.Once
	lines     chan jsonrpc.Message
	readErr   error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport constructs a stdio Transport with defaults and applies options.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		r:       os.Stdin,
		w:       os.Stdout,
		log:     slog.New(slog.DiscardHandler),
		maxSize: DefaultMaxLineSize,
		lines:   make(chan jsonrpc.Message),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Read returns the next non-empty line. It returns io.EOF when the reader is
// exhausted.
func (t *Transport) Read(ctx context.Context) (jsonrpc.Message, error) {
	t.startOnce.Do(func() { go t.readLoop() })

	select {
	case line, ok := <-t.lines:
		if !ok {
			return nil, t.readErr
		}
		return line, nil
	case <-t.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) readLoop() {
	defer close(t.lines)

	sc := bufio.NewScanner(t.r)
	sc.Buffer(make([]byte, 0, 64*1024), t.maxSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := make(jsonrpc.Message, len(line))
		copy(msg, line)
		select {
		case t.lines <- msg:
		case <-t.closed:
			t.readErr = io.ErrClosedPipe
			return
		}
	}
	if err := sc.Err(); err != nil {
		t.log.Warn("stdio.read.fail", slog.String("err", err.Error()))
		t.readErr = fmt.Errorf("read stdio: %w", err)
		return
	}
	t.readErr = io.EOF
}

// Write emits msg followed by a newline. Concurrent writers are serialized so
// lines never interleave.
func (t *Transport) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	if bytes.IndexByte(msg, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg); err != nil {
			return fmt.Errorf("compact message: %w", err)
		}
		msg = buf.Bytes()
	}

	line := make([]byte, 0, len(msg)+1)
	line = append(line, msg...)
	line = append(line, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("write stdio: %w", err)
	}
	return nil
}

// Close stops delivering inbound lines and rejects further writes.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
