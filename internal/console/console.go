// Package console wires the live feed, the chat channel, the dialogue
// tracker and the command gate into one session context.
package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/dedup"
	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/events"
	"github.com/bakhe8/icgl/internal/gate"
	"github.com/bakhe8/icgl/internal/ingest"
	"github.com/bakhe8/icgl/internal/logutil"
	"github.com/bakhe8/icgl/internal/metrics"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/bakhe8/icgl/internal/stream"
	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by operations issued after Close, and by calls whose
// results arrived after Close.
var ErrClosed = errors.New("console: closed")

// RoleSystem marks transcript entries produced locally.
const RoleSystem = "system"

// Backend is the system of record reached over HTTP.
type Backend interface {
	CreateSession(ctx context.Context) (string, error)
	Send(ctx context.Context, req client.ChatRequest) (*client.ChatResponse, error)
	Execute(ctx context.Context, sessionID string, cmd gate.Command) (string, error)
}

// Options configure a Console.
type Options struct {
	Backend   Backend
	Dialer    stream.Dialer
	StreamURL string
	// Follower consoles skip the upstream connection and render the feed
	// relayed by a direct peer.
	Follower bool

	Audit         *store.Store
	Redis         redis.UniversalClient
	EventsChannel string

	TimelineCapacity  int
	DedupWindow       time.Duration
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	PongTimeout       time.Duration

	Actor       string
	AutoExecute bool
	// CommandTimeout bounds each confirmed command run against the backend.
	CommandTimeout time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// Exchange is the outcome of one submitted message.
type Exchange struct {
	Messages    []client.Message `json:"messages"`
	Session     dialogue.Session `json:"session"`
	Suggestions []string         `json:"suggestions,omitempty"`
	Executed    []gate.Command   `json:"executed,omitempty"`
	BatchID     string           `json:"batchId,omitempty"`
	Pending     []gate.Command   `json:"pending,omitempty"`
}

// Console is the explicit session context shared by every UI surface.
type Console struct {
	backend     Backend
	streamURL   string
	follower    bool
	actor       string
	autoExecute bool
	audit       *store.Store
	logger      *log.Logger
	log         logutil.Logger
	now         func() time.Time

	timeline *timeline.Store
	dedup    *dedup.Tracker
	tracker  *dialogue.Tracker
	gate     *gate.Gate
	ingestor *ingest.Ingestor
	stream   *stream.Manager
	relay    *events.Relay

	alive     atomic.Bool
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu         sync.Mutex
	transcript []client.Message
}

// New builds a console. Nothing is dialed until Start.
func New(opts Options) (*Console, error) {
	if opts.Backend == nil {
		return nil, errors.New("console: backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TimelineCapacity <= 0 {
		opts.TimelineCapacity = timeline.DefaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		backend:     opts.Backend,
		streamURL:   opts.StreamURL,
		follower:    opts.Follower,
		actor:       opts.Actor,
		autoExecute: opts.AutoExecute,
		audit:       opts.Audit,
		logger:      opts.Logger,
		log:         logutil.Component("console"),
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
	}

	c.timeline = timeline.New(timeline.Options{Capacity: opts.TimelineCapacity, Logger: opts.Logger})
	c.dedup = dedup.NewTracker(opts.DedupWindow)
	c.tracker = dialogue.NewTracker(opts.Backend)

	var recorder gate.Recorder
	if opts.Audit != nil {
		recorder = opts.Audit.Recorder(c.tracker.SessionID)
	}
	c.gate = gate.New(gate.Options{
		Executor: gate.ExecutorFunc(func(ctx context.Context, cmd gate.Command) (string, error) {
			return c.backend.Execute(ctx, c.tracker.SessionID(), cmd)
		}),
		Recorder:       recorder,
		Logger:         opts.Logger,
		CommandTimeout: opts.CommandTimeout,
	})

	ingestor, err := ingest.New(ingest.Options{
		Session: c.tracker.SessionID,
		Dedup:   c.dedup,
		Now:     opts.Now,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.ingestor = ingestor

	c.stream = stream.New(stream.Options{
		Dialer:            opts.Dialer,
		Handler:           c.handleFrame,
		OnStateChange:     c.onStreamState,
		ReconnectDelay:    opts.ReconnectDelay,
		KeepaliveInterval: opts.KeepaliveInterval,
		PongTimeout:       opts.PongTimeout,
		Logger:            opts.Logger,
	})
	c.relay = events.NewRelay(events.Options{
		Client:  opts.Redis,
		Logger:  opts.Logger,
		Channel: opts.EventsChannel,
		Sink:    c.acceptRelayed,
	})

	c.alive.Store(true)
	return c, nil
}

// Start seeds the timeline, opens the session and begins following the feed.
// A session creation failure is logged and retried on the first Submit.
func (c *Console) Start(ctx context.Context) error {
	if !c.alive.Load() {
		return ErrClosed
	}
	var startErr error
	c.startOnce.Do(func() {
		c.timeline.Replace(c.bootstrapEvents())

		if id, err := c.tracker.CreateSession(ctx); err != nil {
			c.log.Warn("session_create_failed", logutil.Fields{"error": err.Error()})
		} else {
			c.log.Info("session_created", logutil.Fields{"session_id": id})
		}

		if c.follower {
			if !c.relay.Enabled() {
				c.log.Warn("follower_without_relay", logutil.Fields{"detail": "no redis configured, feed will stay empty"})
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.relay.Run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Printf("console: relay stopped: %v", err)
				}
			}()
			return
		}
		if c.relay.Enabled() {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.relay.RunPublisher(c.ctx)
			}()
		}
		if err := c.stream.Connect(c.ctx, c.streamURL); err != nil {
			startErr = fmt.Errorf("connect stream: %w", err)
		}
	})
	return startErr
}

func (c *Console) bootstrapEvents() []timeline.Event {
	mode := "direct"
	if c.follower {
		mode = "follower"
	}
	payload := fmt.Sprintf(`{"message":"console started","mode":%q}`, mode)
	return []timeline.Event{{
		Timestamp: c.now().UTC(),
		Type:      ingest.TypeSystemPulse,
		Source:    "console",
		Severity:  timeline.SeverityInfo,
		Payload:   []byte(payload),
	}}
}

// Submit sends operator text through the chat channel.
func (c *Console) Submit(ctx context.Context, text string) (Exchange, error) {
	if !c.alive.Load() {
		return Exchange{}, ErrClosed
	}
	sessionID, err := c.tracker.CreateSession(ctx)
	if err != nil {
		c.appendSystem(fmt.Sprintf("Unable to open a chat session: %v", err))
		return Exchange{}, err
	}
	if err := c.tracker.Check(text); err != nil {
		return Exchange{}, err
	}
	c.appendTranscript(client.TextMessage("user", text))

	start := time.Now()
	resp, err := c.backend.Send(ctx, client.ChatRequest{
		Message:     text,
		SessionID:   sessionID,
		Actor:       c.actor,
		AutoExecute: c.autoExecute,
	})
	metrics.ObserveChat(err == nil, time.Since(start))
	if !c.alive.Load() {
		return Exchange{}, ErrClosed
	}
	if err != nil {
		c.log.Error("chat_request_failed", err, logutil.Fields{"session_id": sessionID})
		c.appendSystem(fmt.Sprintf("Request failed: %v", err))
		c.tracker.MarkError()
		return Exchange{}, err
	}

	received := c.now()
	for _, msg := range resp.Messages {
		c.dedup.Record(dedup.NewSignature(msg.Role, msg.PlainText(), msg.BlockTypes()), received)
	}
	c.appendTranscript(resp.Messages...)
	c.tracker.ApplyServerState(resp.State)

	if len(resp.Executed) > 0 {
		c.appendSystem(strings.Join(gate.Report{Commands: resp.Executed}.Lines(), "\n"))
	}
	if len(resp.BlockedCommands) > 0 {
		if _, err := c.gate.Propose(resp.BlockedCommands); err != nil {
			c.logger.Printf("console: could not stage %d commands: %v", len(resp.BlockedCommands), err)
			c.appendSystem(fmt.Sprintf("Commands not staged: %v", err))
		}
	}

	pending := c.gate.Pending()
	return Exchange{
		Messages:    resp.Messages,
		Session:     c.tracker.Snapshot(),
		Suggestions: resp.Suggestions,
		Executed:    resp.Executed,
		BatchID:     pending.ID,
		Pending:     pending.Commands,
	}, nil
}

// Confirm executes the pending batch named by batchID and records its log in
// the transcript. The batch keeps running if ctx is cancelled.
func (c *Console) Confirm(ctx context.Context, batchID string) (gate.Report, error) {
	if !c.alive.Load() {
		return gate.Report{}, ErrClosed
	}
	report, err := c.gate.ConfirmAll(ctx, batchID)
	if err != nil {
		return report, err
	}
	if !c.alive.Load() {
		return report, ErrClosed
	}
	c.appendSystem(strings.Join(report.Lines(), "\n"))
	return report, nil
}

// Reject discards the pending batch named by batchID.
func (c *Console) Reject(batchID string) (gate.Report, error) {
	if !c.alive.Load() {
		return gate.Report{}, ErrClosed
	}
	report, err := c.gate.RejectAll(batchID)
	if err != nil {
		return report, err
	}
	c.appendSystem(strings.Join(report.Lines(), "\n"))
	return report, nil
}

// Pending returns the batch awaiting a decision.
func (c *Console) Pending() gate.Batch {
	return c.gate.Pending()
}

// Timeline returns the current feed, most recent first.
func (c *Console) Timeline() []timeline.Event {
	return c.timeline.Snapshot()
}

// Subscribe streams events as they enter the timeline.
func (c *Console) Subscribe(ctx context.Context) (<-chan timeline.Event, func()) {
	return c.timeline.Subscribe(ctx)
}

// Transcript returns a copy of the chat log.
func (c *Console) Transcript() []client.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]client.Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Session returns the dialogue snapshot.
func (c *Console) Session() dialogue.Session {
	return c.tracker.Snapshot()
}

// Connection reports the live feed state.
func (c *Console) Connection() stream.State {
	return c.stream.State()
}

// Decisions lists recent audit entries. It returns nil when no audit log is configured.
func (c *Console) Decisions(ctx context.Context, limit int) ([]store.Decision, error) {
	if c.audit == nil {
		return nil, nil
	}
	return c.audit.ListDecisions(ctx, limit)
}

// Alive reports whether Close has not yet been called.
func (c *Console) Alive() bool {
	return c.alive.Load()
}

// Close tears down the feed and makes late results inert.
func (c *Console) Close() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.tracker.Close()
	c.stream.Close()
	c.cancel()
	c.wg.Wait()
	c.log.Info("console_closed", nil)
}

func (c *Console) handleFrame(raw []byte) {
	if !c.alive.Load() {
		return
	}
	evt, ok := c.ingestor.Ingest(raw)
	if !ok {
		return
	}
	stored := c.timeline.Push(evt)

	if msg, ok := ingest.Message(ingest.Frame{Data: stored.Payload}); ok {
		c.appendTranscript(msg)
	}

	c.relay.Enqueue(stored)
}

func (c *Console) acceptRelayed(evt timeline.Event) {
	if !c.alive.Load() {
		return
	}
	c.timeline.Push(evt)
}

func (c *Console) onStreamState(state stream.State) {
	c.log.Info("stream_state", logutil.Fields{"state": string(state)})
}

func (c *Console) appendSystem(text string) {
	c.appendTranscript(client.TextMessage(RoleSystem, text))
}

func (c *Console) appendTranscript(msgs ...client.Message) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, msgs...)
}
