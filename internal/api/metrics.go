package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icgl_console_http_requests_total",
		Help: "Total HTTP requests processed by the local console API",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icgl_console_http_request_duration_seconds",
		Help:    "HTTP request duration; chat requests wait on the upstream dialogue backend",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 90},
	}, []string{"method", "path"})

	timelineStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "icgl_console_timeline_stream_clients",
		Help: "Open server-sent event subscriptions to the timeline",
	})
)
