package timeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestPushEvictsOldest(t *testing.T) {
	t.Parallel()

	s := New(Options{Capacity: 100})
	for i := 1; i <= 101; i++ {
		s.Push(Event{ID: fmt.Sprintf("evt-%d", i), Type: "event"})
	}

	snap := s.Snapshot()
	if len(snap) != 100 {
		t.Fatalf("expected 100 events got %d", len(snap))
	}
	for i, evt := range snap {
		want := fmt.Sprintf("evt-%d", 101-i)
		if evt.ID != want {
			t.Fatalf("position %d: expected %s got %s", i, want, evt.ID)
		}
	}
	for _, evt := range snap {
		if evt.ID == "evt-1" {
			t.Fatalf("oldest event should have been evicted")
		}
	}
}

func TestPushFillsDefaultsAndUniqueIDs(t *testing.T) {
	t.Parallel()

	s := New(Options{Capacity: 4})
	first := s.Push(Event{ID: "dup", Type: "log"})
	second := s.Push(Event{ID: "dup", Type: "log"})
	third := s.Push(Event{Type: "log"})

	if first.ID != "dup" {
		t.Fatalf("first id should be kept, got %s", first.ID)
	}
	if second.ID == "dup" || third.ID == "" {
		t.Fatalf("expected generated ids, got %q and %q", second.ID, third.ID)
	}
	if third.Timestamp.IsZero() || third.Severity != SeverityInfo {
		t.Fatalf("defaults not applied: %+v", third)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	s := New(Options{Capacity: 2})
	s.Push(Event{ID: "a"})
	snap := s.Snapshot()
	snap[0].ID = "mutated"

	if got := s.Snapshot()[0].ID; got != "a" {
		t.Fatalf("snapshot mutation leaked into store: %s", got)
	}
}

func TestReplaceTruncatesToCapacity(t *testing.T) {
	t.Parallel()

	s := New(Options{Capacity: 2})
	s.Push(Event{ID: "live"})
	s.Replace([]Event{{ID: "seed-3"}, {ID: "seed-2"}, {ID: "seed-1"}})

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "seed-3" || snap[1].ID != "seed-2" {
		t.Fatalf("unexpected snapshot after replace: %+v", snap)
	}
}

func TestSubscribeReceivesPushes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Options{Capacity: 8})
	ch, unsubscribe := s.Subscribe(ctx)
	defer unsubscribe()

	s.Push(Event{ID: "a", Type: "alert"})

	select {
	case evt := <-ch:
		if evt.ID != "a" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscriber delivery")
	}

	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after cancel")
	}
}

// Length never exceeds capacity and the survivors are always the most recent pushes.
func TestPushKeepsMostRecentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(t, "capacity")
		pushes := rapid.IntRange(0, 200).Draw(t, "pushes")

		s := New(Options{Capacity: capacity})
		for i := 0; i < pushes; i++ {
			s.Push(Event{ID: fmt.Sprintf("e%d", i)})
			if s.Len() > capacity {
				t.Fatalf("length %d exceeds capacity %d", s.Len(), capacity)
			}
		}

		snap := s.Snapshot()
		want := pushes
		if want > capacity {
			want = capacity
		}
		if len(snap) != want {
			t.Fatalf("expected %d events got %d", want, len(snap))
		}
		for i, evt := range snap {
			if evt.ID != fmt.Sprintf("e%d", pushes-1-i) {
				t.Fatalf("position %d holds %s", i, evt.ID)
			}
		}
	})
}
