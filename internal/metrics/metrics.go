package metrics

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	LabelStatus  = "status"
	LabelPhase   = "phase"
	LabelSuccess = "success"
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelCode    = "status_code"
)

var (
	// Most rollouts spend their time in readiness polling, which is bounded
	// by the verify timeout (two minutes by default).
	RolloutDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "roll",
		Subsystem: "controller",
		Name:      "rollout_duration_seconds",
		Help:      "Duration of a rollout from start to terminal phase, in seconds.",
		Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300, 600, 900},
	}, []string{LabelStatus})

	PhaseDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "roll",
		Subsystem: "controller",
		Name:      "phase_duration_seconds",
		Help:      "Duration of a single rollout phase, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{LabelPhase, LabelSuccess})

	InFlight = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "roll",
		Subsystem: "controller",
		Name:      "rollouts_in_flight",
		Help:      "Number of rollouts currently holding a workload lock.",
	}, []string{})

	PublishAttempts = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "roll",
		Subsystem: "publisher",
		Name:      "attempts_total",
		Help:      "Build and push attempts, including retries.",
	}, []string{LabelSuccess})

	ReadinessPolls = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "roll",
		Subsystem: "reconciler",
		Name:      "readiness_polls_total",
		Help:      "Workload status polls issued while waiting for readiness.",
	}, []string{})

	RequestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "roll",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{LabelMethod, LabelRoute, LabelCode})
)
