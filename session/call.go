package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// Call sends a request to the peer and blocks until its response arrives,
// ctx is done, or the session is torn down. A protocol error reply is
// returned as a *jsonrpc.Error. When result is non-nil the reply's result is
// decoded into it.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	if s.closed.Load() {
		return s.closeErr
	}

	id := jsonrpc.NewRequestID(s.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	frame, err := jsonrpc.Encode(req)
	if err != nil {
		return err
	}

	key := id.String()
	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}
	s.pending.Store(key, pc)
	if s.closed.Load() {
		// Teardown may have swept the map before our Store landed.
		if _, ok := s.pending.LoadAndDelete(key); ok {
			return s.closeErr
		}
	}

	if err := s.t.Write(ctx, frame); err != nil {
		if _, ok := s.pending.LoadAndDelete(key); !ok {
			// Teardown claimed the entry; report its cause.
			res := <-pc.ch
			return res.err
		}
		return fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error
		}
		if result != nil && len(res.resp.Result) > 0 {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		if _, ok := s.pending.LoadAndDelete(key); ok {
			if reason, notify := cancelNotification(ctx); notify {
				s.sendCancel(context.WithoutCancel(ctx), id, reason)
			}
		}
		return ctx.Err()
	}
}

// Notify sends a notification to the peer. It is a no-op error on a closed
// session.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.closed.Load() {
		return s.closeErr
	}
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := jsonrpc.Encode(n)
	if err != nil {
		return err
	}
	if err := s.t.Write(ctx, frame); err != nil {
		return fmt.Errorf("write %s notification: %w", method, err)
	}
	return nil
}

// Cancel tells the peer to abandon the request with the given id. The local
// pending call, if any, is left to its own context.
func (s *Session) Cancel(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.Notify(ctx, string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{
		RequestID: raw,
		Reason:    reason,
	})
}

func (s *Session) sendCancel(ctx context.Context, id *jsonrpc.RequestID, reason string) {
	if err := s.Cancel(ctx, id, reason); err != nil {
		s.log.DebugContext(ctx, "rpc.cancel.send.fail", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}
