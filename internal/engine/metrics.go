package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for scheduler activity.
type Metrics struct {
	nodeDuration *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec
	nodeRetries  *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runsTotal    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the shared instance registered with the global
// registry. Created once so repeated engine construction (tests, embedded
// use) never double-registers.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs collectors on the given registerer, reusing
// already-registered collectors instead of panicking on duplicates.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	nodeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "node_run_duration_seconds",
			Help:      "Duration of node run attempts.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_type", "status"},
	)
	nodeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "node_run_failures_total",
			Help:      "Node run attempts that failed, by error code.",
		},
		[]string{"node_type", "code"},
	)
	nodeRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "node_run_retries_total",
			Help:      "Node run retries scheduled.",
		},
		[]string{"node_type"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Flowchart runs currently executing.",
		},
	)
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Completed flowchart runs by terminal status.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{nodeDuration, nodeFailures, nodeRetries, runsActive, runsTotal}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case nodeDuration:
					nodeDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case nodeFailures:
					nodeFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case nodeRetries:
					nodeRetries = already.ExistingCollector.(*prometheus.CounterVec)
				case runsActive:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case runsTotal:
					runsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		nodeDuration: nodeDuration,
		nodeFailures: nodeFailures,
		nodeRetries:  nodeRetries,
		runsActive:   runsActive,
		runsTotal:    runsTotal,
	}
}

func (m *Metrics) observeNode(nodeType, status string, d time.Duration) {
	if m == nil || m.nodeDuration == nil {
		return
	}
	m.nodeDuration.WithLabelValues(nodeType, status).Observe(d.Seconds())
}

func (m *Metrics) incFailure(nodeType, code string) {
	if m == nil || m.nodeFailures == nil {
		return
	}
	m.nodeFailures.WithLabelValues(nodeType, code).Inc()
}

func (m *Metrics) incRetry(nodeType string) {
	if m == nil || m.nodeRetries == nil {
		return
	}
	m.nodeRetries.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) runStarted() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) runFinished(status string) {
	if m == nil {
		return
	}
	if m.runsActive != nil {
		m.runsActive.Dec()
	}
	if m.runsTotal != nil {
		m.runsTotal.WithLabelValues(status).Inc()
	}
}
