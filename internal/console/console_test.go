package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/gate"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/bakhe8/icgl/internal/stream"
	"github.com/redis/go-redis/v9"
)

type fakeBackend struct {
	mu        sync.Mutex
	sessionID string
	sessErr   error
	replies   []*client.ChatResponse
	sendErr   error
	block     chan struct{}
	requests  []client.ChatRequest
	executed  []gate.Command
}

func (b *fakeBackend) CreateSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessErr != nil {
		return "", b.sessErr
	}
	if b.sessionID == "" {
		b.sessionID = "session-1"
	}
	return b.sessionID, nil
}

func (b *fakeBackend) Send(ctx context.Context, req client.ChatRequest) (*client.ChatResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	block := b.block
	b.mu.Unlock()
	if block != nil {
		<-block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	if len(b.replies) == 0 {
		return &client.ChatResponse{}, nil
	}
	resp := b.replies[0]
	b.replies = b.replies[1:]
	return resp, nil
}

func (b *fakeBackend) Execute(ctx context.Context, sessionID string, cmd gate.Command) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = append(b.executed, cmd)
	return fmt.Sprintf("%s done in %s", cmd.Cmd, sessionID), nil
}

func (b *fakeBackend) Requests() []client.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]client.ChatRequest(nil), b.requests...)
}

type feedConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *feedConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *feedConn) Write(ctx context.Context, frame []byte) error { return nil }

func (c *feedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type feedDialer struct {
	conn *feedConn
}

func newFeedDialer() *feedDialer {
	return &feedDialer{conn: &feedConn{frames: make(chan []byte, 512), closed: make(chan struct{})}}
}

func (d *feedDialer) Dial(ctx context.Context, endpoint string) (stream.Conn, error) {
	return d.conn, nil
}

func newTestConsole(t *testing.T, backend *fakeBackend, mutate func(*Options)) *Console {
	t.Helper()
	opts := Options{
		Backend:           backend,
		Dialer:            newFeedDialer(),
		StreamURL:         "ws://feed.test/ws",
		KeepaliveInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
		Logger:            log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBlockedCommandConfirmFlow(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{replies: []*client.ChatResponse{{
		Messages: []client.Message{client.TextMessage("assistant", "Channel creation needs your approval.")},
		State:    dialogue.State{SessionID: "session-1", DialogueState: dialogue.PhaseCollecting},
		BlockedCommands: []gate.Command{
			{Cmd: "create_channel", Path: "architect->security"},
		},
	}}}
	audit, err := store.Open(filepath.Join(t.TempDir(), "audit.db"), "sqlite")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	c := newTestConsole(t, backend, func(o *Options) { o.Audit = audit })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ex, err := c.Submit(context.Background(), "Create a channel between architect and security")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reqs := backend.Requests(); len(reqs) != 1 || reqs[0].AutoExecute || reqs[0].SessionID != "session-1" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if len(ex.Pending) != 1 || ex.Pending[0].Status != gate.StatusProposed || ex.BatchID == "" {
		t.Fatalf("expected one proposed command in a named batch, got %+v", ex)
	}
	if len(backend.executed) != 0 {
		t.Fatalf("nothing may execute before confirm")
	}

	report, err := c.Confirm(context.Background(), ex.BatchID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(report.Commands) != 1 || report.Commands[0].Status != gate.StatusExecuted || report.Commands[0].Output == "" {
		t.Fatalf("unexpected report: %+v", report.Commands)
	}
	if len(c.Pending().Commands) != 0 {
		t.Fatalf("pending list must be cleared after confirm")
	}

	transcript := c.Transcript()
	last := transcript[len(transcript)-1]
	if last.Role != RoleSystem || !strings.Contains(last.PlainText(), "[executed] create_channel") {
		t.Fatalf("expected execution log in transcript, got %+v", last)
	}

	decisions, err := c.Decisions(context.Background(), 10)
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].SessionID != "session-1" || decisions[0].Decision != gate.DecisionConfirmed {
		t.Fatalf("unexpected audit entries: %+v", decisions)
	}
}

func TestRejectLeavesBackendUntouched(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{replies: []*client.ChatResponse{{
		BlockedCommands: []gate.Command{{Cmd: "rm", Path: "/tmp/x"}, {Cmd: "rm", Path: "/tmp/y"}},
	}}}
	c := newTestConsole(t, backend, nil)

	ex, err := c.Submit(context.Background(), "clean up")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	report, err := c.Reject(ex.BatchID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	for _, cmd := range report.Commands {
		if cmd.Status != gate.StatusRejected {
			t.Fatalf("expected rejected, got %s", cmd.Status)
		}
	}
	if len(backend.executed) != 0 {
		t.Fatalf("reject must not execute anything")
	}
	if _, err := c.Confirm(context.Background(), ex.BatchID); !errors.Is(err, gate.ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending after reject, got %v", err)
	}
}

func TestAwaitingApprovalGatesFreeText(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{replies: []*client.ChatResponse{
		{State: dialogue.State{SessionID: "session-1", DialogueState: dialogue.PhaseAwaitingApproval}},
		{State: dialogue.State{SessionID: "session-1", DialogueState: dialogue.PhaseDone}},
	}}
	c := newTestConsole(t, backend, nil)

	if _, err := c.Submit(context.Background(), "deploy the policy"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !c.Session().AwaitingApproval {
		t.Fatalf("expected awaiting approval")
	}

	if _, err := c.Submit(context.Background(), "actually, something else"); !errors.Is(err, dialogue.ErrSubmitBlocked) {
		t.Fatalf("expected ErrSubmitBlocked, got %v", err)
	}
	if n := len(backend.Requests()); n != 1 {
		t.Fatalf("blocked text must not reach the backend, got %d requests", n)
	}

	if _, err := c.Submit(context.Background(), " approve "); err != nil {
		t.Fatalf("directive refused: %v", err)
	}
	if c.Session().AwaitingApproval || c.Session().DialogueState != dialogue.PhaseDone {
		t.Fatalf("unexpected session after approval: %+v", c.Session())
	}
}

func TestRequestErrorSurfacesAsSystemMessage(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{sendErr: &client.RequestError{Method: "POST", Path: "/api/chat", StatusCode: 502, Body: "upstream down"}}
	c := newTestConsole(t, backend, nil)

	_, err := c.Submit(context.Background(), "status?")
	var reqErr *client.RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 502 {
		t.Fatalf("expected RequestError, got %v", err)
	}
	transcript := c.Transcript()
	last := transcript[len(transcript)-1]
	if last.Role != RoleSystem || !strings.Contains(last.PlainText(), "upstream down") {
		t.Fatalf("expected system message with error detail, got %+v", last)
	}
	if c.Session().DialogueState != dialogue.PhaseError {
		t.Fatalf("expected error phase, got %s", c.Session().DialogueState)
	}
}

func TestSessionFailureIsRetried(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{sessErr: errors.New("boom")}
	c := newTestConsole(t, backend, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start must tolerate session failure: %v", err)
	}
	if _, err := c.Submit(context.Background(), "hello"); err == nil {
		t.Fatalf("expected submit to fail without a session")
	}

	backend.mu.Lock()
	backend.sessErr = nil
	backend.mu.Unlock()
	if _, err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit after recovery: %v", err)
	}
}

func TestLateResultAfterCloseIsDiscarded(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		block: make(chan struct{}),
		replies: []*client.ChatResponse{{
			Messages:        []client.Message{client.TextMessage("assistant", "late")},
			BlockedCommands: []gate.Command{{Cmd: "touch"}},
		}},
	}
	c := newTestConsole(t, backend, nil)
	if _, err := c.tracker.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "slow request")
		errs <- err
	}()
	waitFor(t, "request in flight", func() bool { return len(backend.Requests()) == 1 })

	c.Close()
	close(backend.block)

	if err := <-errs; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for _, msg := range c.Transcript() {
		if msg.PlainText() == "late" {
			t.Fatalf("late reply must not reach the transcript")
		}
	}
	if len(c.Pending().Commands) != 0 {
		t.Fatalf("late commands must not be staged")
	}
	if _, err := c.Submit(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestFeedFillsTimelineToCapacity(t *testing.T) {
	t.Parallel()

	dialer := newFeedDialer()
	c := newTestConsole(t, &fakeBackend{}, func(o *Options) {
		o.Dialer = dialer
		o.TimelineCapacity = 100
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dialer.conn.frames <- []byte(`{"type":"pong"}`)
	dialer.conn.frames <- []byte(`{not json`)
	for i := 1; i <= 101; i++ {
		dialer.conn.frames <- []byte(fmt.Sprintf(`{"type":"event","id":"evt-%d","data":{"n":%d}}`, i, i))
	}

	waitFor(t, "newest frame", func() bool {
		events := c.Timeline()
		return len(events) > 0 && events[0].ID == "evt-101"
	})
	events := c.Timeline()
	if len(events) != 100 {
		t.Fatalf("expected 100 events got %d", len(events))
	}
	if events[99].ID != "evt-2" {
		t.Fatalf("expected oldest retained evt-2, got %s", events[99].ID)
	}
	for _, evt := range events {
		if evt.Type == "pong" {
			t.Fatalf("pong must never reach the timeline")
		}
	}
}

func TestPushEchoOfHTTPReplyIsSuppressed(t *testing.T) {
	t.Parallel()

	dialer := newFeedDialer()
	backend := &fakeBackend{replies: []*client.ChatResponse{{
		Messages: []client.Message{client.TextMessage("assistant", "Channel ready")},
	}}}
	c := newTestConsole(t, backend, func(o *Options) { o.Dialer = dialer })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Submit(context.Background(), "make channel"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	echo, _ := json.Marshal(map[string]interface{}{
		"type": "event",
		"id":   "echo",
		"data": map[string]string{"role": "assistant", "text": "channel ready "},
	})
	fresh, _ := json.Marshal(map[string]interface{}{
		"type": "event",
		"id":   "fresh",
		"data": map[string]string{"role": "assistant", "text": "Security agent joined"},
	})
	dialer.conn.frames <- echo
	dialer.conn.frames <- fresh

	waitFor(t, "fresh push message", func() bool {
		events := c.Timeline()
		return len(events) > 0 && events[0].ID == "fresh"
	})
	for _, evt := range c.Timeline() {
		if evt.ID == "echo" {
			t.Fatalf("echo of HTTP reply must be suppressed")
		}
	}

	var count int
	for _, msg := range c.Transcript() {
		if msg.Role == "assistant" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected HTTP reply plus one pushed message, got %d assistant messages", count)
	}
}

func TestForeignSessionFramesDropped(t *testing.T) {
	t.Parallel()

	dialer := newFeedDialer()
	c := newTestConsole(t, &fakeBackend{}, func(o *Options) { o.Dialer = dialer })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dialer.conn.frames <- []byte(`{"type":"alert","id":"foreign","session_id":"other"}`)
	dialer.conn.frames <- []byte(`{"type":"alert","id":"own","session_id":"session-1"}`)

	waitFor(t, "own alert", func() bool {
		events := c.Timeline()
		return len(events) > 0 && events[0].ID == "own"
	})
	for _, evt := range c.Timeline() {
		if evt.ID == "foreign" {
			t.Fatalf("foreign session frame must be dropped")
		}
	}
}

func TestStartSeedsTimeline(t *testing.T) {
	t.Parallel()

	c := newTestConsole(t, &fakeBackend{}, func(o *Options) { o.Follower = true })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := c.Timeline()
	if len(events) != 1 || events[0].Source != "console" || events[0].ID == "" {
		t.Fatalf("unexpected bootstrap timeline: %+v", events)
	}
	if c.Connection() != stream.StateClosed {
		t.Fatalf("follower must not dial upstream, state %s", c.Connection())
	}
}

func TestConfirmNamesTheReviewedBatch(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{replies: []*client.ChatResponse{
		{BlockedCommands: []gate.Command{{Cmd: "write_file", Path: "notes.md"}}},
		{BlockedCommands: []gate.Command{{Cmd: "run", Content: "drop table decisions"}}},
	}}
	c := newTestConsole(t, backend, nil)

	first, err := c.Submit(context.Background(), "save notes")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := c.Submit(context.Background(), "tidy up")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.BatchID == second.BatchID {
		t.Fatalf("each staged batch needs its own id")
	}

	if _, err := c.Confirm(context.Background(), first.BatchID); !errors.Is(err, gate.ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}
	if len(backend.executed) != 0 {
		t.Fatalf("superseded confirmation executed %+v", backend.executed)
	}
	if got := c.Pending(); got.ID != second.BatchID || len(got.Commands) != 1 {
		t.Fatalf("second batch must stay pending: %+v", got)
	}
}

func TestSlowRelayDoesNotStallFeed(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var heldMu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()
	rdb := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = rdb.Close()
		_ = ln.Close()
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, conn := range held {
			_ = conn.Close()
		}
	})

	dialer := newFeedDialer()
	c := newTestConsole(t, &fakeBackend{}, func(o *Options) {
		o.Dialer = dialer
		o.Redis = rdb
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 1; i <= 20; i++ {
		dialer.conn.frames <- []byte(fmt.Sprintf(`{"type":"event","id":"evt-%d"}`, i))
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if events := c.Timeline(); len(events) > 0 && events[0].ID == "evt-20" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("feed stalled behind the relay publisher")
}
