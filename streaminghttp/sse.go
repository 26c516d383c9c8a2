package streaminghttp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// sseWriter frames Server-Sent Events onto a response and flushes each one.
type sseWriter struct {
	w io.Writer
	f http.Flusher
}

func (s *sseWriter) event(id string, payload []byte) error {
	var buf bytes.Buffer
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return s.write(buf.Bytes())
}

func (s *sseWriter) named(name string, data string) error {
	return s.write([]byte("event: " + name + "\ndata: " + data + "\n\n"))
}

func (s *sseWriter) retry(d time.Duration) error {
	return s.write([]byte("retry: " + strconv.FormatInt(d.Milliseconds(), 10) + "\n\n"))
}

func (s *sseWriter) comment(text string) error {
	return s.write([]byte(": " + text + "\n\n"))
}

func (s *sseWriter) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	s.f.Flush()
	return nil
}

// sseEvent is one event parsed from an SSE body.
type sseEvent struct {
	id    string
	name  string
	data  []byte
	retry time.Duration
	// hasID distinguishes an empty id field (which resets the last event id)
	// from an absent one.
	hasID bool
}

// sseScanner parses an SSE body per the WHATWG event-stream grammar.
type sseScanner struct {
	sc  *bufio.Scanner
	err error
}

func newSSEScanner(r io.Reader, maxLine int) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &sseScanner{sc: sc}
}

// next returns the next dispatched event. Events that only carry a retry
// field are returned too so callers can track the reconnection delay.
func (s *sseScanner) next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    bytes.Buffer
		hasData bool
		seen    bool
	)
	for s.sc.Scan() {
		line := strings.TrimSuffix(s.sc.Text(), "\r")
		if line == "" {
			if !seen {
				continue
			}
			if hasData {
				ev.data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id, ev.hasID, seen = value, true, true
		case "event":
			ev.name, seen = value, true
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData, seen = true, true
		case "retry":
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
				ev.retry, seen = time.Duration(ms)*time.Millisecond, true
			}
		}
	}
	if err := s.sc.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}
