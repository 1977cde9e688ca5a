package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icgl_console_stream_state",
		Help: "Current state of the live feed connection (1 for the active state)",
	}, []string{"state"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icgl_console_stream_reconnects_total",
		Help: "Reconnect attempts scheduled after an abnormal close",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icgl_console_frames_total",
		Help: "Inbound frames grouped by ingestion outcome",
	}, []string{"outcome"})

	timelineDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "icgl_console_timeline_events",
		Help: "Events currently held in the timeline buffer",
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icgl_console_commands_total",
		Help: "Gated commands grouped by terminal status",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "icgl_console_batch_duration_seconds",
		Help:    "Duration of confirmed command batch execution",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	chatRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icgl_console_chat_request_duration_seconds",
		Help:    "Latency of chat exchanges with the system of record",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)

var streamStates = []string{"connecting", "open", "closed"}

// SetConnectionState marks the given state as active.
func SetConnectionState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveReconnect counts a scheduled reconnect attempt.
func ObserveReconnect() {
	reconnectsTotal.Inc()
}

// ObserveFrame records the outcome of ingesting one inbound frame.
func ObserveFrame(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	framesTotal.WithLabelValues(outcome).Inc()
}

// SetTimelineDepth records the buffer length after a mutation.
func SetTimelineDepth(n int) {
	timelineDepth.Set(float64(n))
}

// ObserveBatch records the duration of a resolved batch and each member's status.
func ObserveBatch(statuses []string, duration time.Duration) {
	for _, status := range statuses {
		if status == "" {
			status = "unknown"
		}
		commandsTotal.WithLabelValues(status).Inc()
	}
	if duration > 0 {
		batchDuration.Observe(duration.Seconds())
	}
}

// ObserveChat records the latency of one chat exchange.
func ObserveChat(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	chatRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}
