package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GVT tracks the last computed Global Virtual Time for this rank.
	GVT = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdes_gvt",
			Help: "Global Virtual Time last computed by this rank",
		},
	)

	// RollbacksTotal counts rollback recoveries performed across all agents.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdes_rollbacks_total",
			Help: "Total number of rollback recoveries performed, by agent",
		},
		[]string{"agent_id"},
	)

	// EventsCommittedTotal counts events whose receive-time has fallen below GVT.
	EventsCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdes_events_committed_total",
			Help: "Total number of events committed (reclaimed below GVT)",
		},
	)

	// EventsProcessedTotal counts events handed to an agent's event-handler.
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdes_events_processed_total",
			Help: "Total number of events delivered to an agent's handler",
		},
		[]string{"agent_id"},
	)

	// AntiMessagesTotal counts anti-messages emitted during rollback recovery.
	AntiMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdes_antimessages_total",
			Help: "Total number of anti-messages emitted",
		},
	)

	// QueueDepth tracks the number of live events held in the priority structure.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdes_queue_depth",
			Help: "Number of events currently held in the priority structure, by agent",
		},
		[]string{"agent_id"},
	)

	// RollbackDistance measures how far back (in virtual time) a rollback reached.
	RollbackDistance = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdes_rollback_distance_seconds",
			Help:    "Virtual-time distance between straggler time and restored LVT",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GVTRoundDuration measures wall-clock time to complete one GVT round.
	GVTRoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdes_gvt_round_duration_seconds",
			Help:    "Wall-clock time to complete one GVT token-ring round",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SchedulingLatency measures time spent in one scheduler dispatch iteration.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdes_scheduling_latency_seconds",
			Help:    "Time taken by one scheduler dispatch iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EventsInFlight tracks the net of Mattern's sent/recv vector counters
	// for the color currently being closed out.
	EventsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdes_events_in_flight",
			Help: "Outstanding remote events per color, per Mattern's algorithm",
		},
		[]string{"color"},
	)
)

func init() {
	prometheus.MustRegister(
		GVT,
		RollbacksTotal,
		EventsCommittedTotal,
		EventsProcessedTotal,
		AntiMessagesTotal,
		QueueDepth,
		RollbackDistance,
		GVTRoundDuration,
		SchedulingLatency,
		EventsInFlight,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec under the given
// label values.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
