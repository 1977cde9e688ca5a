// Package timeline holds the bounded, most-recent-first history of live feed
// events consumed by dashboard surfaces.
package timeline

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/bakhe8/icgl/internal/metrics"
	"github.com/google/uuid"
)

// Severity classifies how loudly an event should be surfaced.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// DefaultCapacity is used when a store is created without an explicit capacity.
const DefaultCapacity = 100

// Event is the normalized unit of the live feed.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Store is the single subscribable source of truth for the feed.
type Store struct {
	logger   *log.Logger
	capacity int

	mu          sync.RWMutex
	events      []Event
	subscribers map[chan Event]struct{}
}

// Options configure the store.
type Options struct {
	Capacity int
	Logger   *log.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		logger:      opts.Logger,
		capacity:    capacity,
		events:      make([]Event, 0, capacity),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Cap returns the configured capacity.
func (s *Store) Cap() int {
	return s.capacity
}

// Len returns the number of buffered events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Push prepends an event, evicting the oldest entry on overflow, and notifies subscribers.
func (s *Store) Push(evt Event) Event {
	s.mu.Lock()
	evt = s.prepare(evt)
	next := make([]Event, 0, s.capacity)
	next = append(next, evt)
	keep := len(s.events)
	if keep > s.capacity-1 {
		keep = s.capacity - 1
	}
	next = append(next, s.events[:keep]...)
	s.events = next
	depth := len(s.events)
	s.mu.Unlock()

	metrics.SetTimelineDepth(depth)
	s.broadcast(evt)
	return evt
}

// Replace resets the buffer in one step. Input is expected most-recent-first
// and is truncated to capacity. Subscribers are not notified.
func (s *Store) Replace(events []Event) {
	s.mu.Lock()
	s.events = make([]Event, 0, s.capacity)
	for _, evt := range events {
		if len(s.events) == s.capacity {
			break
		}
		s.events = append(s.events, s.prepare(evt))
	}
	depth := len(s.events)
	s.mu.Unlock()

	metrics.SetTimelineDepth(depth)
}

// Snapshot returns a copy of the buffer, most recent first.
func (s *Store) Snapshot() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Subscribe registers an observer and returns a channel plus a cancel func.
// The subscription is released when ctx is done.
func (s *Store) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// prepare fills defaults and keeps ids unique within the buffer. Caller holds mu.
func (s *Store) prepare(evt Event) Event {
	if evt.ID == "" || s.containsLocked(evt.ID) {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	return evt
}

func (s *Store) containsLocked(id string) bool {
	for _, existing := range s.events {
		if existing.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) broadcast(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			if s.logger != nil {
				s.logger.Printf("timeline: dropping event %s (subscriber backlog)", evt.ID)
			}
		}
	}
}
