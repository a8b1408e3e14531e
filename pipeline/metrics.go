package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmi_rotor_requests_total",
		Help: "Total proxied requests by outcome status code.",
	}, []string{"status"})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmi_rotor_rotations_total",
		Help: "Total key selections by rotation mode.",
	}, []string{"mode"})

	keyRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmi_rotor_key_rejections_total",
		Help: "Total per-key rate limiter rejections, by key label.",
	}, []string{"label"})

	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kmi_rotor_upstream_latency_seconds",
		Help:    "Upstream dispatch latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)
