package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Attribute store metrics
	AttributesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrd_attributes_total",
			Help: "Total number of attributes known to this daemon",
		},
	)

	ValuesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrd_values_total",
			Help: "Total number of per-node values across all attributes",
		},
	)

	DampeningTimersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrd_dampening_timers_active",
			Help: "Number of attributes with a pending dampening or backoff timer",
		},
	)

	// Election metrics
	ElectionIsWriter = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrd_is_writer",
			Help: "Whether this daemon currently believes it is the CDB writer (1=writer, 0=not)",
		},
	)

	ElectionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrd_elections_started_total",
			Help: "Total number of times this daemon requested an election",
		},
	)

	// Broadcast metrics
	BroadcastsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrd_broadcasts_sent_total",
			Help: "Total number of protocol messages broadcast, by operation",
		},
		[]string{"op"},
	)

	BroadcastsRecvTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrd_broadcasts_received_total",
			Help: "Total number of protocol messages received, by operation",
		},
		[]string{"op"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrd_messages_dropped_total",
			Help: "Total number of inbound messages dropped, by reason",
		},
		[]string{"reason"},
	)

	// Writer / CDB metrics
	CDBWritesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrd_cdb_writes_in_flight",
			Help: "Number of attributes with a CDB write currently in flight",
		},
	)

	CDBUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrd_cdb_updates_total",
			Help: "Total number of NVPAIR elements written to the CDB",
		},
	)

	CDBWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrd_cdb_write_failures_total",
			Help: "Total number of CDB write attempts that returned a retryable failure",
		},
	)

	PrivateUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrd_private_updates_total",
			Help: "Total number of attribute writes skipped because the attribute is private",
		},
	)

	CDBWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attrd_cdb_write_duration_seconds",
			Help:    "Time from submitting a CDB write to receiving its callback",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Membership metrics
	PeersKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrd_peers_known",
			Help: "Number of peers currently considered cluster members",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrd_evictions_total",
			Help: "Total number of node evictions processed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AttributesTotal,
		ValuesTotal,
		DampeningTimersActive,
		ElectionIsWriter,
		ElectionsStarted,
		BroadcastsSentTotal,
		BroadcastsRecvTotal,
		MessagesDroppedTotal,
		CDBWritesInFlight,
		CDBUpdatesTotal,
		CDBWriteFailuresTotal,
		PrivateUpdatesTotal,
		CDBWriteDuration,
		PeersKnown,
		EvictionsTotal,
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

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
