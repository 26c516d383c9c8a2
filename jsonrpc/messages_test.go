package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAnyMessage_Classification(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"request int id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, TypeRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, TypeRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, TypeNotification},
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, TypeResponse},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`, TypeResponse},
		{"null result", `{"jsonrpc":"2.0","id":1,"result":null}`, TypeResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.in), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Type(); got != tc.want {
				t.Fatalf("Type() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAnyMessage_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"wrong version":        `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		"missing version":      `{"id":1,"method":"ping"}`,
		"request with result":  `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		"result and error":     `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"neither result/error": `{"jsonrpc":"2.0","id":1}`,
		"object id":            `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`,
		"not json":             `{"jsonrpc":`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(in), &msg); err == nil {
				t.Fatalf("expected error for %s", in)
			}
		})
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":42,"method":"x"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := msg.ID.Value().(int64); !ok || v != 42 {
		t.Fatalf("expected int64 42, got %T %v", msg.ID.Value(), msg.ID.Value())
	}
	if msg.ID.String() != "42" {
		t.Fatalf("String() = %q", msg.ID.String())
	}

	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "Parse error", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestMethodNotFoundWireShape(t *testing.T) {
	resp := NewErrorResponse(NewRequestID(1), ErrorCodeMethodNotFound, "Method not found", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":1}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestDecodeMessages(t *testing.T) {
	msgs, batch, err := DecodeMessages([]byte(`{"jsonrpc":"2.0","method":"a"}`))
	if err != nil || batch || len(msgs) != 1 {
		t.Fatalf("single: msgs=%d batch=%v err=%v", len(msgs), batch, err)
	}

	msgs, batch, err = DecodeMessages([]byte(` [{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":1,"result":1}]`))
	if err != nil || !batch || len(msgs) != 2 {
		t.Fatalf("batch: msgs=%d batch=%v err=%v", len(msgs), batch, err)
	}
	if msgs[0].Type() != TypeRequest || msgs[1].Type() != TypeResponse {
		t.Fatalf("unexpected types %s %s", msgs[0].Type(), msgs[1].Type())
	}

	if _, _, err := DecodeMessages([]byte(`[]`)); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if _, _, err := DecodeMessages([]byte(`[{"jsonrpc":"2.0","method":"a"},{"bad":true}]`)); err == nil {
		t.Fatalf("expected batch with invalid element to fail")
	}
}

func TestErrorAsGoError(t *testing.T) {
	var err error = NewError(ErrorCodeInvalidParams, "bad name")
	wrapped := errors.Join(errors.New("context"), err)
	rpcErr, ok := AsError(wrapped)
	if !ok {
		t.Fatalf("expected AsError to find protocol error")
	}
	if rpcErr.Code != ErrorCodeInvalidParams || rpcErr.Message != "bad name" {
		t.Fatalf("unexpected error %+v", rpcErr)
	}
}

func TestMessageMarshalVerbatim(t *testing.T) {
	batch := []Message{Message(`{"jsonrpc":"2.0","method":"a"}`), Message(`{"jsonrpc":"2.0","method":"b"}`)}
	b, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[{"jsonrpc":"2.0","method":"a"},{"jsonrpc":"2.0","method":"b"}]`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}
