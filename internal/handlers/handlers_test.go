package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/console"
	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/gate"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/bakhe8/icgl/internal/stream"
	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct {
	events     []timeline.Event
	submitErr  error
	submitted  []string
	pending    gate.Batch
	confirm    gate.Report
	confirmErr error
	confirmed  []string
	confirmCtx error
	decisions  []store.Decision
	closed     bool
}

func (f *fakeSession) Timeline() []timeline.Event { return f.events }

func (f *fakeSession) Subscribe(ctx context.Context) (<-chan timeline.Event, func()) {
	ch := make(chan timeline.Event)
	return ch, func() {}
}

func (f *fakeSession) Session() dialogue.Session {
	return dialogue.Session{ID: "s-1", DialogueState: dialogue.PhaseCollecting}
}

func (f *fakeSession) Transcript() []client.Message {
	return []client.Message{client.TextMessage("assistant", "hi")}
}

func (f *fakeSession) Submit(ctx context.Context, text string) (console.Exchange, error) {
	f.submitted = append(f.submitted, text)
	if f.submitErr != nil {
		return console.Exchange{}, f.submitErr
	}
	return console.Exchange{Messages: []client.Message{client.TextMessage("assistant", "echo: "+text)}}, nil
}

func (f *fakeSession) Pending() gate.Batch { return f.pending }

func (f *fakeSession) Confirm(ctx context.Context, batchID string) (gate.Report, error) {
	f.confirmed = append(f.confirmed, batchID)
	f.confirmCtx = ctx.Err()
	if f.pending.ID != "" && batchID != f.pending.ID {
		return gate.Report{}, gate.ErrBatchMismatch
	}
	return f.confirm, f.confirmErr
}

func (f *fakeSession) Reject(batchID string) (gate.Report, error) {
	if len(f.pending.Commands) == 0 {
		return gate.Report{}, gate.ErrNothingPending
	}
	if batchID != f.pending.ID {
		return gate.Report{}, gate.ErrBatchMismatch
	}
	return gate.Report{Decision: gate.DecisionRejected}, nil
}

func (f *fakeSession) Decisions(ctx context.Context, limit int) ([]store.Decision, error) {
	if limit > 0 && len(f.decisions) > limit {
		return f.decisions[:limit], nil
	}
	return f.decisions, nil
}

func (f *fakeSession) Connection() stream.State { return stream.StateOpen }

func (f *fakeSession) Alive() bool { return !f.closed }

func perform(h gin.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	h(c)
	return w
}

func TestChatSubmitsMessage(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{}
	handler := New(fake, Options{})

	w := perform(handler.Chat, http.MethodPost, "/chat", `{"message":"status report"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", w.Code, w.Body.String())
	}
	var body console.Exchange
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Text != "echo: status report" {
		t.Fatalf("unexpected exchange: %+v", body)
	}
	if len(fake.submitted) != 1 {
		t.Fatalf("expected one submission, got %v", fake.submitted)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{}
	w := perform(New(fake, Options{}).Chat, http.MethodPost, "/chat", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
	if len(fake.submitted) != 0 {
		t.Fatalf("invalid body must not be submitted")
	}
}

func TestChatErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"blocked", dialogue.ErrSubmitBlocked, http.StatusConflict},
		{"closed", console.ErrClosed, http.StatusServiceUnavailable},
		{"upstream", &client.RequestError{Method: "POST", Path: "/api/chat", StatusCode: 500}, http.StatusBadGateway},
		{"other", errors.New("dialogue: empty message"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeSession{submitErr: tc.err}
			w := perform(New(fake, Options{}).Chat, http.MethodPost, "/chat", `{"message":"x"}`)
			if w.Code != tc.code {
				t.Fatalf("expected %d got %d", tc.code, w.Code)
			}
		})
	}
}

func TestConfirmCommandsReturnsLog(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{confirm: gate.Report{
		Decision: gate.DecisionConfirmed,
		Commands: []gate.Command{{Cmd: "mkdir", Path: "/srv/a", Status: gate.StatusExecuted, Output: "created"}},
	}}
	w := perform(New(fake, Options{}).ConfirmCommands, http.MethodPost, "/commands/confirm", `{"batchId":"b-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if len(fake.confirmed) != 1 || fake.confirmed[0] != "b-1" {
		t.Fatalf("batch id not passed through: %v", fake.confirmed)
	}
	var body struct {
		Log []string `json:"log"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Log) != 1 || body.Log[0] != "[executed] mkdir /srv/a: created" {
		t.Fatalf("unexpected log: %v", body.Log)
	}
}

func TestConfirmInFlightConflicts(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{confirmErr: gate.ErrBatchInFlight}
	w := perform(New(fake, Options{}).ConfirmCommands, http.MethodPost, "/commands/confirm", `{"batchId":"b-1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", w.Code)
	}
}

func TestRejectWithoutPending(t *testing.T) {
	t.Parallel()

	w := perform(New(&fakeSession{}, Options{}).RejectCommands, http.MethodPost, "/commands/reject", `{"batchId":"b-1"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

func TestDecisionRequiresBatchID(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{pending: gate.Batch{ID: "b-1", Commands: []gate.Command{{Cmd: "rm"}}}}
	handler := New(fake, Options{})
	for _, h := range []gin.HandlerFunc{handler.ConfirmCommands, handler.RejectCommands} {
		if w := perform(h, http.MethodPost, "/commands/confirm", ""); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 without a body got %d", w.Code)
		}
		if w := perform(h, http.MethodPost, "/commands/confirm", `{}`); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 without batchId got %d", w.Code)
		}
	}
	if len(fake.confirmed) != 0 {
		t.Fatalf("unnamed decision reached the console: %v", fake.confirmed)
	}
}

func TestStaleBatchConflicts(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{pending: gate.Batch{ID: "b-2", Commands: []gate.Command{{Cmd: "rm"}}}}
	handler := New(fake, Options{})

	w := perform(handler.ConfirmCommands, http.MethodPost, "/commands/confirm", `{"batchId":"b-1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for confirm of replaced batch got %d", w.Code)
	}
	w = perform(handler.RejectCommands, http.MethodPost, "/commands/reject", `{"batchId":"b-1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reject of replaced batch got %d", w.Code)
	}
}

func TestConfirmIgnoresClientCancellation(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{confirm: gate.Report{Decision: gate.DecisionConfirmed}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/commands/confirm", strings.NewReader(`{"batchId":"b-1"}`)).WithContext(ctx)
	c.Request.Header.Set("Content-Type", "application/json")
	New(fake, Options{}).ConfirmCommands(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if fake.confirmCtx != nil {
		t.Fatalf("confirm ran under the request's cancellation: %v", fake.confirmCtx)
	}
}

func TestListCommandsIncludesBatchID(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{pending: gate.Batch{ID: "b-9", Commands: []gate.Command{{Cmd: "mkdir", Status: gate.StatusProposed}}}}
	w := perform(New(fake, Options{}).ListCommands, http.MethodGet, "/commands", "")
	var body struct {
		BatchID  string         `json:"batchId"`
		Commands []gate.Command `json:"commands"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.BatchID != "b-9" || len(body.Commands) != 1 {
		t.Fatalf("unexpected listing: %+v", body)
	}
}

func TestListDecisionsLimit(t *testing.T) {
	t.Parallel()

	fake := &fakeSession{decisions: []store.Decision{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	handler := New(fake, Options{})

	w := perform(handler.ListDecisions, http.MethodGet, "/decisions?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	var body struct {
		Decisions []store.Decision `json:"decisions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Decisions) != 2 {
		t.Fatalf("expected 2 decisions got %d", len(body.Decisions))
	}

	w = perform(handler.ListDecisions, http.MethodGet, "/decisions?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit got %d", w.Code)
	}
}

func TestHealthReportsClosed(t *testing.T) {
	t.Parallel()

	w := perform(New(&fakeSession{closed: true}, Options{}).Health, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", w.Code)
	}
}

func TestOpenAPIDocumentFormats(t *testing.T) {
	t.Parallel()

	handler := New(&fakeSession{}, Options{})
	w := perform(handler.OpenAPIDocument, http.MethodGet, "/openapi", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("document has no paths")
	}

	w = perform(handler.OpenAPIDocument, http.MethodGet, "/openapi?format=yaml", "")
	if ct := w.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "openapi: 3.0.3") || !strings.Contains(body, "url: http://example.com") {
		t.Fatalf("unexpected yaml body:\n%s", body)
	}
}
