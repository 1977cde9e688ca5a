// Package dedup reconciles the request/response channel with the push channel.
//
// Messages returned by a chat exchange are recorded with their arrival time;
// a push frame carrying an identical signature inside the window is treated as
// the same logical message.
package dedup

import (
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the interval within which two deliveries are considered the same message.
const DefaultWindow = 3 * time.Second

// Signature identifies a message by role, text and the ordered list of block types.
type Signature struct {
	Role   string
	Text   string
	Blocks []string
}

// NewSignature normalizes the signature components.
func NewSignature(role, text string, blockTypes []string) Signature {
	blocks := make([]string, 0, len(blockTypes))
	for _, b := range blockTypes {
		blocks = append(blocks, strings.ToLower(strings.TrimSpace(b)))
	}
	return Signature{
		Role:   strings.ToLower(strings.TrimSpace(role)),
		Text:   strings.TrimSpace(text),
		Blocks: blocks,
	}
}

// Empty reports whether the signature carries nothing to compare.
func (s Signature) Empty() bool {
	return s.Role == "" && s.Text == "" && len(s.Blocks) == 0
}

// Key returns the composite comparison key.
func (s Signature) Key() string {
	return s.Role + "\x1f" + s.Text + "\x1f" + strings.Join(s.Blocks, ",")
}

// Tracker remembers signatures delivered over HTTP.
type Tracker struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewTracker creates a tracker with the given window (DefaultWindow when <= 0).
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, seen: make(map[string]time.Time)}
}

// Window returns the configured dedup window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Record notes that a message with sig arrived over HTTP at the given time.
func (t *Tracker) Record(sig Signature, at time.Time) {
	if sig.Empty() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(at)
	t.seen[sig.Key()] = at
}

// Duplicate reports whether a push delivery of sig at the given time repeats
// an HTTP delivery from less than one window ago.
func (t *Tracker) Duplicate(sig Signature, at time.Time) bool {
	if sig.Empty() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	recorded, ok := t.seen[sig.Key()]
	if !ok {
		return false
	}
	return at.Sub(recorded) < t.window
}

func (t *Tracker) pruneLocked(now time.Time) {
	for key, at := range t.seen {
		if now.Sub(at) >= t.window {
			delete(t.seen, key)
		}
	}
}
