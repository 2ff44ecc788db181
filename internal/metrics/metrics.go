package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the state engine.
var (
	StateImports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "state",
		Name:      "imports_total",
		Help:      "State snapshots imported, by backend type.",
	}, []string{"backend"})

	StateImportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "state",
		Name:      "import_failures_total",
		Help:      "State imports that failed to fetch or parse.",
	})

	StateMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "state",
		Name:      "mutations_total",
		Help:      "Snapshot mutations applied, by operation.",
	}, []string{"operation"})

	DriftRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "drift",
		Name:      "runs_total",
		Help:      "Drift analyses executed.",
	})
)

// Counters for the auth engine.
var (
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Login attempts, by outcome.",
	}, []string{"outcome"})

	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "auth",
		Name:      "token_rotations_total",
		Help:      "Successful refresh token rotations.",
	})

	ReuseDetections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statehub",
		Subsystem: "auth",
		Name:      "refresh_reuse_detections_total",
		Help:      "Refresh token replays that revoked a session family.",
	})
)

// Login outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"
)
