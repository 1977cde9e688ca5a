// Package worker runs the console's background housekeeping.
package worker

import (
	"context"
	"log"
	"time"
)

// Pruner deletes audit entries created before a cutoff.
type Pruner interface {
	PruneDecisions(ctx context.Context, before time.Time) (int64, error)
}

// Options configure the background worker process.
type Options struct {
	Store     Pruner
	Logger    *log.Logger
	Interval  time.Duration
	Retention time.Duration
	Now       func() time.Time
}

// Runner periodically trims the audit log to the retention window.
type Runner struct {
	store     Pruner
	logger    *log.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// New creates a new Runner.
func New(opts Options) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		store:     opts.Store,
		logger:    opts.Logger,
		interval:  interval,
		retention: opts.Retention,
		now:       opts.Now,
	}
}

// Run prunes once immediately and then on every tick until ctx is done.
// A zero retention keeps everything.
func (r *Runner) Run(ctx context.Context) error {
	if r.store == nil || r.retention <= 0 {
		r.logger.Println("worker: audit retention disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	r.logger.Printf("worker: pruning audit entries older than %s every %s", r.retention, r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Println("worker shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Runner) prune(ctx context.Context) {
	cutoff := r.now().Add(-r.retention)
	removed, err := r.store.PruneDecisions(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("worker: failed to prune decisions: %v", err)
		}
		return
	}
	if removed > 0 {
		r.logger.Printf("worker: pruned %d decisions recorded before %s", removed, cutoff.Format(time.RFC3339))
	}
}
