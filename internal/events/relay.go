// Package events mirrors the live timeline across console processes through
// Redis pub/sub, so that a single process can hold the upstream connection
// while followers render the same feed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Envelope is the payload published on the Redis channel.
type Envelope struct {
	Origin string         `json:"origin"`
	Event  timeline.Event `json:"event"`
}

// Options configure the relay.
type Options struct {
	Client  redis.UniversalClient
	Logger  *log.Logger
	Channel string
	// Sink receives events published by other processes.
	Sink func(timeline.Event)
	// QueueSize bounds events waiting for RunPublisher. Defaults to 256.
	QueueSize int
	// PublishTimeout bounds each Redis publish. Defaults to 2s.
	PublishTimeout time.Duration
}

// Relay publishes local events and delivers remote ones.
type Relay struct {
	client redis.UniversalClient
	logger *log.Logger
	ch     string
	origin string
	sink   func(timeline.Event)

	queue          chan timeline.Event
	publishTimeout time.Duration
	dropped        atomic.Uint64
}

// NewRelay creates a relay. A nil client yields a disabled relay whose
// methods are no-ops.
func NewRelay(opts Options) *Relay {
	channel := opts.Channel
	if channel == "" {
		channel = "icgl-console-timeline"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &Relay{
		client:         opts.Client,
		logger:         opts.Logger,
		ch:             channel,
		origin:         uuid.NewString(),
		sink:           opts.Sink,
		queue:          make(chan timeline.Event, opts.QueueSize),
		publishTimeout: opts.PublishTimeout,
	}
}

// Enabled reports whether a Redis client is configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.client != nil
}

// Publish mirrors a locally ingested event.
func (r *Relay) Publish(ctx context.Context, evt timeline.Event) error {
	if !r.Enabled() {
		return nil
	}
	payload, err := json.Marshal(Envelope{Origin: r.origin, Event: evt})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.ch, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Enqueue hands an event to RunPublisher without waiting on Redis. When the
// queue is full the event is dropped and false is returned.
func (r *Relay) Enqueue(evt timeline.Event) bool {
	if !r.Enabled() {
		return false
	}
	select {
	case r.queue <- evt:
		return true
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Printf("events: publish queue full, %d events dropped", n)
		}
		return false
	}
}

// Dropped reports how many events Enqueue discarded.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// RunPublisher drains the queue until ctx is done.
func (r *Relay) RunPublisher(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.queue:
			pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
			if err := r.Publish(pubCtx, evt); err != nil && ctx.Err() == nil {
				r.logger.Printf("events: relay publish failed: %v", err)
			}
			cancel()
		}
	}
}

// Run consumes the channel until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if !r.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	pubsub := r.client.Subscribe(ctx, r.ch)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Printf("events: redis subscriber error: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		r.handle(msg.Payload)
	}
}

func (r *Relay) handle(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Printf("events: invalid payload: %v", err)
		return
	}
	if env.Origin == r.origin || r.sink == nil {
		return
	}
	r.sink(env.Event)
}
