package autoconfig

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoconfig_runs_total",
		Help: "Auto-configuration runs by outcome",
	}, []string{"outcome"})

	verdictConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoconfig_verdict_confidence",
		Help: "Confidence of the latest verdict per vendor",
	}, []string{"vendor"})

	captureFrames = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoconfig_capture_frames",
		Help:    "Frames observed per capture session",
		Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoconfig_run_duration_seconds",
		Help:    "Wall time of a complete auto-configuration run",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)
