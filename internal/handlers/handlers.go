// Package handlers provides HTTP request handlers for the local console API.
package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/console"
	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/gate"
	"github.com/bakhe8/icgl/internal/openapi"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/bakhe8/icgl/internal/stream"
	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/gin-gonic/gin"
)

// Options configures handler runtime behavior.
type Options struct {
	// HeartbeatInterval spaces SSE comments that keep idle streams open.
	HeartbeatInterval time.Duration
	// ChatTimeout bounds one chat exchange.
	ChatTimeout time.Duration
}

type session interface {
	Timeline() []timeline.Event
	Subscribe(ctx context.Context) (<-chan timeline.Event, func())
	Session() dialogue.Session
	Transcript() []client.Message
	Submit(ctx context.Context, text string) (console.Exchange, error)
	Pending() gate.Batch
	Confirm(ctx context.Context, batchID string) (gate.Report, error)
	Reject(batchID string) (gate.Report, error)
	Decisions(ctx context.Context, limit int) ([]store.Decision, error)
	Connection() stream.State
	Alive() bool
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	console session
	opts    Options
}

// New creates a new Handler instance.
func New(c session, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 90 * time.Second
	}
	return &Handler{console: c, opts: opts}
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

// decisionRequest names the batch the operator reviewed.
type decisionRequest struct {
	BatchID string `json:"batchId" binding:"required"`
}

// Health returns the health status of the service.
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !h.console.Alive() {
		status = "closed"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "stream": h.console.Connection()})
}

// Timeline returns the buffered feed, most recent first.
func (h *Handler) Timeline(c *gin.Context) {
	events := h.console.Timeline()
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// StreamTimeline pushes timeline events to the caller as server-sent events.
func (h *Handler) StreamTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	events, cancel := h.console.Subscribe(ctx)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt)
			return true
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		}
	})
}

// Session returns the dialogue state.
func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":       h.console.Session(),
		"stream":        h.console.Connection(),
		"pendingCount":  len(h.console.Pending().Commands),
		"transcriptLen": len(h.console.Transcript()),
	})
}

// Transcript returns the chat log.
func (h *Handler) Transcript(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.console.Transcript()})
}

// Chat submits operator text.
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.ChatTimeout)
	defer cancel()

	exchange, err := h.console.Submit(ctx, req.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exchange)
}

// ListCommands returns the batch awaiting a decision.
func (h *Handler) ListCommands(c *gin.Context) {
	batch := h.console.Pending()
	c.JSON(http.StatusOK, gin.H{"batchId": batch.ID, "commands": batch.Commands})
}

// ConfirmCommands executes the pending batch the operator reviewed. The batch
// runs to completion even if the client goes away.
func (h *Handler) ConfirmCommands(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.console.Confirm(context.WithoutCancel(c.Request.Context()), req.BatchID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "log": report.Lines()})
}

// RejectCommands discards the pending batch.
func (h *Handler) RejectCommands(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.console.Reject(req.BatchID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "log": report.Lines()})
}

// ListDecisions returns the audit log.
func (h *Handler) ListDecisions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	decisions, err := h.console.Decisions(c.Request.Context(), limit)
	if err != nil {
		log.Printf("Failed to list decisions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load decisions"})
		return
	}
	if decisions == nil {
		decisions = []store.Decision{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

// OpenAPIDocument serves the API description as JSON, or YAML with format=yaml.
func (h *Handler) OpenAPIDocument(c *gin.Context) {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	server := scheme + "://" + c.Request.Host

	if c.Query("format") == "yaml" {
		doc, err := openapi.YAML(server)
		if err != nil {
			log.Printf("Failed to render OpenAPI document: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render openapi document"})
			return
		}
		c.Data(http.StatusOK, "application/yaml", doc)
		return
	}
	doc, err := openapi.JSON(server)
	if err != nil {
		log.Printf("Failed to render OpenAPI document: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render openapi document"})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var reqErr *client.RequestError
	switch {
	case errors.Is(err, dialogue.ErrSubmitBlocked), errors.Is(err, gate.ErrBatchInFlight),
		errors.Is(err, gate.ErrBatchMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gate.ErrNothingPending):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, console.ErrClosed), errors.Is(err, dialogue.ErrNoSession):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &reqErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": reqErr.Error(), "upstreamStatus": reqErr.StatusCode})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
