package eventstore

import (
	"testing"
	"time"
)

func TestEventIDRoundTrip(t *testing.T) {
	sid := NewStreamID()
	id := FormatEventID(sid, 42)
	gotStream, gotSeq, err := ParseEventID(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotStream != sid || gotSeq != 42 {
		t.Fatalf("got (%s, %d), want (%s, 42)", gotStream, gotSeq, sid)
	}
}

func TestParseEventID_Rejects(t *testing.T) {
	for _, id := range []string{"", "abc", "_1", "abc_", "abc_x", "abc_0", "abc_-3"} {
		if _, _, err := ParseEventID(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

func TestStreamIDsSortByCreation(t *testing.T) {
	a := NewStreamID()
	time.Sleep(2 * time.Millisecond)
	b := NewStreamID()
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestDeadline(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	touched := created.Add(90 * time.Minute)

	got := Deadline(created, touched, time.Hour, 2*time.Hour)
	if want := created.Add(2 * time.Hour); !got.Equal(want) {
		t.Fatalf("absolute bound: got %v, want %v", got, want)
	}

	got = Deadline(created, created.Add(10*time.Minute), time.Hour, 4*time.Hour)
	if want := created.Add(70 * time.Minute); !got.Equal(want) {
		t.Fatalf("sliding bound: got %v, want %v", got, want)
	}

	if got := Deadline(created, touched, 0, 0); !got.IsZero() {
		t.Fatalf("expected no deadline, got %v", got)
	}
}
