package session

import (
	"context"
	"io"
	"sync"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
)

// Transport moves JSON-RPC frames over one physical duplex channel. It knows
// nothing about JSON-RPC semantics: a frame is one encoded message or batch.
//
// Read is only ever called by the session's single receive loop. Write may
// be called concurrently from many goroutines and must serialize internally.
type Transport interface {
	// Read blocks until the next inbound frame is available. It returns
	// io.EOF once the peer has finished sending.
	Read(ctx context.Context) (jsonrpc.Message, error)
	// Write sends one outbound frame. The context may carry the id of the
	// inbound request being served (see RequestIDFromContext) so transports
	// that multiplex responses can route related traffic.
	Write(ctx context.Context, msg jsonrpc.Message) error
	// Close releases the channel and unblocks any pending Read.
	Close() error
}

// NewPipe returns two in-memory transports connected to each other. Frames
// written to one are read from the other. Closing either end makes the other
// end's Read return io.EOF once buffered frames are drained.
func NewPipe() (Transport, Transport) {
	ab := make(chan jsonrpc.Message, 16)
	ba := make(chan jsonrpc.Message, 16)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &pipeTransport{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &pipeTransport{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

type pipeTransport struct {
	in         <-chan jsonrpc.Message
	out        chan<- jsonrpc.Message
	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

func (p *pipeTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.peerClosed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	cp := make(jsonrpc.Message, len(msg))
	copy(cp, msg)
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	case <-p.peerClosed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-p.peerClosed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
