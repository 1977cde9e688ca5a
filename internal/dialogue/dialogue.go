// Package dialogue tracks the per-conversation state that decides whether the
// operator may submit free-form input.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Phase is the server-reported dialogue state.
type Phase string

const (
	PhaseGreeting         Phase = "greeting"
	PhaseCollecting       Phase = "collecting"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
	PhaseDone             Phase = "done"
	PhaseError            Phase = "error"
)

// Directives are always accepted, even while an approval is outstanding.
const (
	DirectiveApprove = "APPROVE"
	DirectiveReject  = "REJECT"
	DirectiveClarify = "CLARIFY"
)

var (
	// ErrNoSession is returned when no session id could be obtained.
	ErrNoSession = errors.New("dialogue: no active session")
	// ErrSubmitBlocked is returned for free text while an approval is pending.
	ErrSubmitBlocked = errors.New("dialogue: awaiting approval, only APPROVE, REJECT or CLARIFY accepted")
)

// State is the session state carried by every chat response.
type State struct {
	SessionID        string          `json:"session_id"`
	DialogueState    Phase           `json:"dialogue_state"`
	AwaitingApproval bool            `json:"awaiting_approval,omitempty"`
	PendingIntent    json.RawMessage `json:"pending_intent,omitempty"`
}

// Session is a point-in-time copy of the tracker.
type Session struct {
	ID               string          `json:"session_id"`
	DialogueState    Phase           `json:"dialogue_state"`
	AwaitingApproval bool            `json:"awaiting_approval"`
	PendingIntent    json.RawMessage `json:"pending_intent,omitempty"`
}

// Creator obtains a new session id from the system of record.
type Creator interface {
	CreateSession(ctx context.Context) (string, error)
}

// Tracker owns one conversation's session for the lifetime of the process.
type Tracker struct {
	creator Creator

	mu       sync.Mutex
	session  Session
	closed   bool
	inflight *creation
}

// creation is one in-flight CreateSession call shared by concurrent callers.
type creation struct {
	done chan struct{}
	id   string
	err  error
}

// NewTracker returns a tracker in the greeting phase with no session yet.
func NewTracker(creator Creator) *Tracker {
	return &Tracker{
		creator: creator,
		session: Session{DialogueState: PhaseGreeting},
	}
}

// IsDirective reports whether text is one of the always-permitted directives.
func IsDirective(text string) bool {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case DirectiveApprove, DirectiveReject, DirectiveClarify:
		return true
	default:
		return false
	}
}

// CreateSession returns the session id, creating it on first use. Concurrent
// callers share one backend call. A failure leaves the tracker usable so a
// later call can retry.
func (t *Tracker) CreateSession(ctx context.Context) (string, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return "", ErrNoSession
		}
		if t.session.ID != "" {
			id := t.session.ID
			t.mu.Unlock()
			return id, nil
		}
		if t.creator == nil {
			t.mu.Unlock()
			return "", ErrNoSession
		}
		if c := t.inflight; c != nil {
			t.mu.Unlock()
			select {
			case <-c.done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			// The leader's own deadline must not fail callers that still have time.
			if c.err != nil && (errors.Is(c.err, context.Canceled) || errors.Is(c.err, context.DeadlineExceeded)) && ctx.Err() == nil {
				continue
			}
			return c.id, c.err
		}
		c := &creation{done: make(chan struct{})}
		t.inflight = c
		t.mu.Unlock()

		c.id, c.err = t.create(ctx)
		t.mu.Lock()
		t.inflight = nil
		t.mu.Unlock()
		close(c.done)
		return c.id, c.err
	}
}

func (t *Tracker) create(ctx context.Context) (string, error) {
	id, err := t.creator.CreateSession(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if id == "" || t.closed {
		return "", ErrNoSession
	}
	if t.session.ID == "" {
		t.session.ID = id
	}
	return t.session.ID, nil
}

// SessionID returns the current id or an empty string.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.ID
}

// ApplyServerState folds a response's state into the session. Updates are
// ignored once the tracker is closed.
func (t *Tracker) ApplyServerState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if state.SessionID != "" && t.session.ID == "" {
		t.session.ID = state.SessionID
	}
	switch {
	case state.DialogueState != "":
		t.session.DialogueState = state.DialogueState
	case !state.AwaitingApproval && t.session.DialogueState == PhaseAwaitingApproval:
		// Approval cleared without a named phase.
		t.session.DialogueState = PhaseCollecting
	}
	t.session.AwaitingApproval = state.AwaitingApproval || state.DialogueState == PhaseAwaitingApproval
	if len(state.PendingIntent) > 0 && string(state.PendingIntent) != "null" {
		t.session.PendingIntent = append(json.RawMessage(nil), state.PendingIntent...)
	} else {
		t.session.PendingIntent = nil
	}
}

// MarkError moves the session into the error phase after a failed exchange.
func (t *Tracker) MarkError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.session.DialogueState = PhaseError
}

// CanSubmit reports whether text may be sent now.
func (t *Tracker) CanSubmit(text string) bool {
	return t.Check(text) == nil
}

// Check explains why text may not be sent, or returns nil.
func (t *Tracker) Check(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.session.ID == "" {
		return ErrNoSession
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("dialogue: empty message")
	}
	if t.session.AwaitingApproval && !IsDirective(text) {
		return ErrSubmitBlocked
	}
	return nil
}

// Snapshot returns a copy of the session.
func (t *Tracker) Snapshot() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	s.PendingIntent = append(json.RawMessage(nil), t.session.PendingIntent...)
	return s
}

// Reset discards the session so the next CreateSession starts a new one.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = Session{DialogueState: PhaseGreeting}
}

// Close stops the tracker from accepting further state.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
