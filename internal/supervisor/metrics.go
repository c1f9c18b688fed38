package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/csiro-workspace/workspace-go/internal/model"
)

// eventKindUnknown is the metric label applied to event kinds this version
// does not recognize.
const eventKindUnknown = "unknown"

var (
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_supervisor_active_sessions",
			Help: "Number of currently supervised engine processes.",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_supervisor_events_total",
			Help: "Total number of control-channel events dispatched.",
		},
		[]string{"kind"},
	)

	forcedKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_supervisor_forced_kills_total",
			Help: "Total number of engine processes killed after exceeding the termination timeout.",
		},
	)

	handlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_supervisor_handler_panics_total",
			Help: "Total number of panics recovered at the handler dispatch boundary.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_supervisor_runs_total",
			Help: "Total number of completed workflow runs by final status.",
		},
		[]string{"status"},
	)

	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workspace_supervisor_poll_seconds",
			Help:    "Duration of one poll cycle including dispatch and the termination sweep, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(forcedKills)
	prometheus.MustRegister(handlerPanics)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(pollDuration)

	// Pre-initialize the labelled counters so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, kind := range []string{EventSuccess, EventFailed, EventError, EventWatch, EventList, eventKindUnknown} {
		eventsTotal.WithLabelValues(kind)
	}
	for _, status := range []string{model.StatusSucceeded, model.StatusFailed, model.StatusStopped, model.StatusKilled} {
		runsTotal.WithLabelValues(status)
	}
}
