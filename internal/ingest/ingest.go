// Package ingest turns raw live-feed frames into timeline events.
//
// Ingestion is a pure classification step: it returns an event or reports the
// frame as dropped, and never touches the timeline itself.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/dedup"
	"github.com/bakhe8/icgl/internal/logutil"
	"github.com/bakhe8/icgl/internal/metrics"
	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// Frame types understood by the feed.
const (
	TypeEvent          = "event"
	TypeChannelUpdate  = "channel_update"
	TypeAlert          = "alert"
	TypeLog            = "log"
	TypeProposalUpdate = "proposal_update"
	TypeAgentStatus    = "agent_status"
	TypeSystemPulse    = "system_pulse"
	TypePong           = "pong"
)

// Drop reasons reported through metrics.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMalformed = "malformed"
	OutcomeControl   = "control"
	OutcomeUnknown   = "unknown_type"
	OutcomeForeign   = "foreign_session"
	OutcomeDuplicate = "duplicate"
)

var knownTypes = map[string]bool{
	TypeEvent:          true,
	TypeChannelUpdate:  true,
	TypeAlert:          true,
	TypeLog:            true,
	TypeProposalUpdate: true,
	TypeAgentStatus:    true,
	TypeSystemPulse:    true,
	TypePong:           true,
}

const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"id": {"type": ["string", "null"]},
		"session_id": {"type": ["string", "null"]},
		"timestamp": {"type": ["string", "null"]},
		"source": {"type": ["string", "null"]},
		"severity": {"type": ["string", "null"]}
	}
}`

// Frame is the inbound envelope.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Source    string          `json:"source,omitempty"`
	Severity  string          `json:"severity,omitempty"`
}

// payloadHints are optional fields looked up inside data.
type payloadHints struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Agent     string `json:"agent"`
	Channel   string `json:"channel"`
	Severity  string `json:"severity"`
	Level     string `json:"level"`
}

// Options configure an Ingestor.
type Options struct {
	// Session returns the active session id.
	Session func() string
	// Dedup holds signatures delivered over HTTP.
	Dedup *dedup.Tracker
	// Now is the arrival clock; time.Now when nil.
	Now func() time.Time
}

// Ingestor classifies, filters and normalizes frames.
type Ingestor struct {
	schema  *gojsonschema.Schema
	session func() string
	dedup   *dedup.Tracker
	now     func() time.Time
	log     logutil.Logger
}

// New compiles the envelope schema and returns an Ingestor.
func New(opts Options) (*Ingestor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	session := opts.Session
	if session == nil {
		session = func() string { return "" }
	}
	return &Ingestor{
		schema:  schema,
		session: session,
		dedup:   opts.Dedup,
		now:     now,
		log:     logutil.Component("ingest"),
	}, nil
}

// Ingest returns the normalized event for raw, or false when the frame is
// dropped. It never panics on malformed input.
func (in *Ingestor) Ingest(raw []byte) (timeline.Event, bool) {
	arrived := in.now().UTC()

	frame, err := in.parse(raw)
	if err != nil {
		in.log.Warn("frame_dropped", logutil.Fields{"reason": OutcomeMalformed, "error": err.Error(), "frame": preview(raw)})
		metrics.ObserveFrame(OutcomeMalformed)
		return timeline.Event{}, false
	}

	switch {
	case frame.Type == TypePong:
		metrics.ObserveFrame(OutcomeControl)
		return timeline.Event{}, false
	case !knownTypes[frame.Type]:
		in.log.Warn("frame_dropped", logutil.Fields{"reason": OutcomeUnknown, "type": frame.Type})
		metrics.ObserveFrame(OutcomeUnknown)
		return timeline.Event{}, false
	}

	if frame.SessionID != "" && frame.SessionID != in.session() {
		metrics.ObserveFrame(OutcomeForeign)
		return timeline.Event{}, false
	}

	if in.dedup != nil {
		if sig, ok := Signature(frame); ok && in.dedup.Duplicate(sig, arrived) {
			metrics.ObserveFrame(OutcomeDuplicate)
			return timeline.Event{}, false
		}
	}

	metrics.ObserveFrame(OutcomeAccepted)
	return normalize(frame, arrived), true
}

func (in *Ingestor) parse(raw []byte) (Frame, error) {
	var frame Frame
	result, err := in.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return frame, fmt.Errorf("invalid json: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return frame, fmt.Errorf("invalid envelope: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, fmt.Errorf("decode envelope: %w", err)
	}
	return frame, nil
}

// Signature derives the dedup signature of a frame carrying a chat message.
func Signature(frame Frame) (dedup.Signature, bool) {
	msg, ok := Message(frame)
	if !ok {
		return dedup.Signature{}, false
	}
	sig := dedup.NewSignature(msg.Role, msg.PlainText(), msg.BlockTypes())
	return sig, !sig.Empty()
}

// Message extracts the chat message carried in a frame's data, if any.
func Message(frame Frame) (client.Message, bool) {
	var msg client.Message
	if len(frame.Data) == 0 || frame.Data[0] != '{' {
		return msg, false
	}
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return msg, false
	}
	if msg.Role == "" {
		return msg, false
	}
	return msg, true
}

func normalize(frame Frame, arrived time.Time) timeline.Event {
	var hints payloadHints
	if len(frame.Data) > 0 && frame.Data[0] == '{' {
		_ = json.Unmarshal(frame.Data, &hints)
	}

	evt := timeline.Event{
		ID:        firstNonEmpty(frame.ID, hints.ID),
		Timestamp: parseTimestamp(firstNonEmpty(frame.Timestamp, hints.Timestamp), arrived),
		Type:      frame.Type,
		Source:    firstNonEmpty(frame.Source, hints.Source, hints.Agent, hints.Channel, frame.Type),
		Severity:  severity(frame.Type, firstNonEmpty(frame.Severity, hints.Severity, hints.Level)),
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if len(frame.Data) > 0 && string(frame.Data) != "null" {
		evt.Payload = append(json.RawMessage(nil), frame.Data...)
	}
	return evt
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(value string, fallback time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return fallback
}

func severity(frameType, value string) timeline.Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical", "error", "fatal":
		return timeline.SeverityCritical
	case "warn", "warning":
		return timeline.SeverityWarn
	case "info", "debug":
		return timeline.SeverityInfo
	}
	if frameType == TypeAlert {
		return timeline.SeverityWarn
	}
	return timeline.SeverityInfo
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func preview(raw []byte) string {
	const max = 160
	if len(raw) > max {
		return string(raw[:max]) + "…"
	}
	return string(raw)
}
