package dedup

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDuplicateWithinWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTracker(3 * time.Second)
	sig := NewSignature("assistant", "Channel created", []string{"text", "command"})
	tr.Record(sig, base)

	cases := []struct {
		name  string
		delta time.Duration
		want  bool
	}{
		{"immediate", 0, true},
		{"just inside", 3*time.Second - time.Millisecond, true},
		{"at window", 3 * time.Second, false},
		{"after window", 5 * time.Second, false},
	}
	for _, tc := range cases {
		if got := tr.Duplicate(sig, base.Add(tc.delta)); got != tc.want {
			t.Fatalf("%s: expected %t got %t", tc.name, tc.want, got)
		}
	}
}

func TestSignatureNormalization(t *testing.T) {
	t.Parallel()

	a := NewSignature("Assistant", "  hello ", []string{"Text"})
	b := NewSignature("assistant", "hello", []string{"text"})
	if a.Key() != b.Key() {
		t.Fatalf("expected equal keys: %q vs %q", a.Key(), b.Key())
	}
	c := NewSignature("assistant", "hello", []string{"command", "text"})
	d := NewSignature("assistant", "hello", []string{"text", "command"})
	if c.Key() == d.Key() {
		t.Fatalf("block order must be significant")
	}
}

func TestDifferentSignatureIsNotDuplicate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := NewTracker(0)
	if tr.Window() != DefaultWindow {
		t.Fatalf("expected default window got %s", tr.Window())
	}
	tr.Record(NewSignature("assistant", "one", nil), now)
	if tr.Duplicate(NewSignature("assistant", "two", nil), now) {
		t.Fatalf("different text flagged as duplicate")
	}
	if tr.Duplicate(NewSignature("system", "one", nil), now) {
		t.Fatalf("different role flagged as duplicate")
	}
	if tr.Duplicate(Signature{}, now) {
		t.Fatalf("empty signature flagged as duplicate")
	}
}

func TestWindowBoundaryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := time.Duration(rapid.Int64Range(1, 10_000).Draw(t, "window_ms")) * time.Millisecond
		delta := time.Duration(rapid.Int64Range(0, 20_000).Draw(t, "delta_ms")) * time.Millisecond
		text := rapid.StringN(1, 40, -1).Draw(t, "text")

		base := time.Unix(1_700_000_000, 0)
		tr := NewTracker(window)
		sig := NewSignature("assistant", text, []string{"text"})
		tr.Record(sig, base)

		got := tr.Duplicate(sig, base.Add(delta))
		if want := delta < window; got != want {
			t.Fatalf("delta=%s window=%s: expected %t got %t", delta, window, want, got)
		}
	})
}
