// Package gate holds agent-proposed commands until an operator confirms or
// rejects them, then executes confirmed batches sequentially.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bakhe8/icgl/internal/metrics"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a gated command.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExecuted, StatusError:
		return true
	default:
		return false
	}
}

// Command is a mutating action proposed by the assistant.
type Command struct {
	Cmd      string `json:"cmd"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content,omitempty"`
	Status   Status `json:"status,omitempty"`
	Output   string `json:"output,omitempty"`
	Proposed bool   `json:"proposed,omitempty"`
}

// Decision records how the operator resolved a batch.
type Decision string

const (
	DecisionConfirmed Decision = "confirmed"
	DecisionRejected  Decision = "rejected"
)

var (
	// ErrBatchInFlight is returned while a confirmed batch is still executing.
	ErrBatchInFlight = errors.New("gate: batch execution in progress")
	// ErrNothingPending is returned when there is no batch to resolve.
	ErrNothingPending = errors.New("gate: no pending commands")
	// ErrBatchMismatch is returned when the batch named by the operator is
	// no longer the one pending.
	ErrBatchMismatch = errors.New("gate: pending batch has changed")
)

// Executor runs a single confirmed command and returns its output.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cmd Command) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (string, error) {
	return f(ctx, cmd)
}

// Recorder persists resolved batches.
type Recorder interface {
	RecordBatch(ctx context.Context, report Report) error
}

// Batch is the set of commands awaiting one operator decision.
type Batch struct {
	ID       string    `json:"batchId,omitempty"`
	Commands []Command `json:"commands"`
}

// Report is the consolidated result of a resolved batch.
type Report struct {
	ID         string    `json:"id"`
	Decision   Decision  `json:"decision"`
	Commands   []Command `json:"commands"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Failed counts members that ended in error.
func (r Report) Failed() int {
	n := 0
	for _, c := range r.Commands {
		if c.Status == StatusError {
			n++
		}
	}
	return n
}

// Lines renders one display line per member.
func (r Report) Lines() []string {
	lines := make([]string, 0, len(r.Commands))
	for _, c := range r.Commands {
		target := c.Cmd
		if c.Path != "" {
			target = fmt.Sprintf("%s %s", c.Cmd, c.Path)
		}
		line := fmt.Sprintf("[%s] %s", c.Status, target)
		if out := strings.TrimSpace(c.Output); out != "" {
			line += ": " + out
		}
		lines = append(lines, line)
	}
	return lines
}

// Options configure a Gate.
type Options struct {
	Executor Executor
	Recorder Recorder
	Logger   *log.Logger
	// CommandTimeout bounds each executed command; zero leaves it unbounded.
	CommandTimeout time.Duration
}

// Gate is the approval state machine for one session.
type Gate struct {
	executor       Executor
	recorder       Recorder
	logger         *log.Logger
	commandTimeout time.Duration

	mu        sync.Mutex
	batchID   string
	pending   []Command
	executing bool
}

// New creates a gate.
func New(opts Options) *Gate {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Gate{
		executor:       opts.Executor,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		commandTimeout: opts.CommandTimeout,
	}
}

// Propose stores a batch awaiting operator decision and returns its id. A
// newer batch supersedes an undecided one under a fresh id, so a decision
// taken on the old id no longer applies. An empty batch leaves the current
// one untouched.
func (g *Gate) Propose(cmds []Command) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.executing {
		return "", ErrBatchInFlight
	}
	if len(cmds) == 0 {
		return g.batchID, nil
	}
	if len(g.pending) > 0 {
		g.logger.Printf("gate: batch %s with %d undecided commands superseded", g.batchID, len(g.pending))
	}
	batch := make([]Command, len(cmds))
	for i, c := range cmds {
		c.Status = StatusProposed
		c.Output = ""
		batch[i] = c
	}
	g.pending = batch
	g.batchID = uuid.NewString()
	return g.batchID, nil
}

// Pending returns a copy of the current batch, including live statuses while executing.
func (g *Gate) Pending() Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Command, len(g.pending))
	copy(out, g.pending)
	if len(out) == 0 {
		return Batch{Commands: out}
	}
	return Batch{ID: g.batchID, Commands: out}
}

// claimLocked checks that batchID names the undecided pending batch.
func (g *Gate) claimLocked(batchID string) error {
	switch {
	case g.executing:
		return ErrBatchInFlight
	case len(g.pending) == 0:
		return ErrNothingPending
	case batchID != g.batchID:
		return ErrBatchMismatch
	}
	return nil
}

// Busy reports whether a confirmed batch is executing.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executing
}

// RejectAll discards the batch named by batchID without executing anything.
func (g *Gate) RejectAll(batchID string) (Report, error) {
	g.mu.Lock()
	if err := g.claimLocked(batchID); err != nil {
		g.mu.Unlock()
		return Report{}, err
	}
	now := time.Now().UTC()
	report := Report{
		ID:         g.batchID,
		Decision:   DecisionRejected,
		Commands:   make([]Command, len(g.pending)),
		StartedAt:  now,
		FinishedAt: now,
	}
	for i, c := range g.pending {
		c.Status = StatusRejected
		report.Commands[i] = c
	}
	g.pending = nil
	g.batchID = ""
	g.mu.Unlock()

	g.finish(report)
	return report, nil
}

// ConfirmAll executes the batch named by batchID in proposal order. Each
// command is attempted regardless of earlier failures. Once confirmed the
// batch runs to completion even if ctx is cancelled; only values of ctx are
// carried into the executor.
func (g *Gate) ConfirmAll(ctx context.Context, batchID string) (Report, error) {
	g.mu.Lock()
	if err := g.claimLocked(batchID); err != nil {
		g.mu.Unlock()
		return Report{}, err
	}
	if g.executor == nil {
		g.mu.Unlock()
		return Report{}, errors.New("gate: no executor configured")
	}
	g.executing = true
	for i := range g.pending {
		g.pending[i].Status = StatusConfirmed
	}
	count := len(g.pending)
	g.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	report := Report{
		ID:        batchID,
		Decision:  DecisionConfirmed,
		StartedAt: time.Now().UTC(),
	}
	for i := 0; i < count; i++ {
		cmd := g.transition(i, StatusExecuting, "")
		output, err := g.execute(runCtx, cmd)
		if err != nil {
			detail := err.Error()
			if output != "" {
				detail = output + "\n" + detail
			}
			g.logger.Printf("gate: command %d/%d (%s) failed: %v", i+1, count, cmd.Cmd, err)
			g.transition(i, StatusError, detail)
			continue
		}
		g.transition(i, StatusExecuted, output)
	}
	report.FinishedAt = time.Now().UTC()

	g.mu.Lock()
	report.Commands = make([]Command, count)
	copy(report.Commands, g.pending)
	g.pending = nil
	g.batchID = ""
	g.executing = false
	g.mu.Unlock()

	g.finish(report)
	return report, nil
}

func (g *Gate) transition(i int, status Status, output string) Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[i].Status = status
	if output != "" {
		g.pending[i].Output = output
	}
	return g.pending[i]
}

// execute isolates the batch from executor panics.
func (g *Gate) execute(ctx context.Context, cmd Command) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	if g.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.commandTimeout)
		defer cancel()
	}
	return g.executor.Execute(ctx, cmd)
}

func (g *Gate) finish(report Report) {
	statuses := make([]string, len(report.Commands))
	for i, c := range report.Commands {
		statuses[i] = string(c.Status)
	}
	metrics.ObserveBatch(statuses, report.FinishedAt.Sub(report.StartedAt))

	if g.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.recorder.RecordBatch(ctx, report); err != nil {
		g.logger.Printf("gate: failed to record batch %s: %v", report.ID, err)
	}
}
