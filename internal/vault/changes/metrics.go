package changes

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Commit outcomes used as the result label.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultRetry     = "retry"
	ResultHalted    = "halted"
	ResultSkipped   = "skipped"
)

// Metrics are the commit pipeline's Prometheus collectors. One Metrics value
// is shared by the managers of every record.
type Metrics struct {
	Changes      *prometheus.CounterVec
	Drains       prometheus.Counter
	DrainSeconds prometheus.Histogram
	Pending      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultsync",
			Subsystem: "commit",
			Name:      "changes_total",
			Help:      "Changes processed by the commit manager, by result.",
		}, []string{"result"}),
		Drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultsync",
			Subsystem: "commit",
			Name:      "drains_total",
			Help:      "Drain passes over the change queue.",
		}),
		DrainSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaultsync",
			Subsystem: "commit",
			Name:      "drain_seconds",
			Help:      "Duration of drain passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vaultsync",
			Name:      "pending_changes",
			Help:      "Changes waiting to be committed, by record.",
		}, []string{"record"}),
	}
	if reg != nil {
		reg.MustRegister(m.Changes, m.Drains, m.DrainSeconds, m.Pending)
	}
	return m
}

func (m *Metrics) observeChange(result string) {
	if m != nil {
		m.Changes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) observeDrain(seconds float64) {
	if m != nil {
		m.Drains.Inc()
		m.DrainSeconds.Observe(seconds)
	}
}

func (m *Metrics) setPending(record string, n int) {
	if m != nil {
		m.Pending.WithLabelValues(record).Set(float64(n))
	}
}
