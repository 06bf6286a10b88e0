package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus instrumentation. Its consumers (the
// conversation core and the replay engine) accept a *Metrics that may be
// nil, in which case instrumentation is skipped rather than panicking.
type Metrics struct {
	EventsInserted   *prometheus.CounterVec
	EventStoreErrors *prometheus.CounterVec
	ReplayDuration   *prometheus.HistogramVec
	ReplayRanges     prometheus.Histogram
	ForksTotal       prometheus.Counter
	KillsTotal       *prometheus.CounterVec
	MailSent         prometheus.Counter
	ActiveAgents     prometheus.Gauge
	MarkStackDepth   prometheus.Histogram
}

// NewMetrics registers every collector against reg and returns the
// populated Metrics. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsInserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "store",
			Name:      "events_inserted_total",
			Help:      "Number of events successfully appended to the store, by kind.",
		}, []string{"kind"}),
		EventStoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Number of store operations that returned an error, by operation.",
		}, []string{"op"}),
		ReplayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbor",
			Subsystem: "replay",
			Name:      "rebuild_duration_seconds",
			Help:      "Time to rebuild an agent's context from the event log.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		ReplayRanges: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbor",
			Subsystem: "replay",
			Name:      "ranges_per_rebuild",
			Help:      "Number of ancestry ranges walked per context rebuild.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		ForksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "agents",
			Name:      "forks_total",
			Help:      "Number of successful /fork operations.",
		}),
		KillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "agents",
			Name:      "kills_total",
			Help:      "Number of agents marked dead, partitioned by whether the kill cascaded.",
		}, []string{"cascade"}),
		MailSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "mailbox",
			Name:      "sent_total",
			Help:      "Number of mail messages successfully sent.",
		}),
		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbor",
			Subsystem: "agents",
			Name:      "active",
			Help:      "Number of agents currently in the running state.",
		}),
		MarkStackDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbor",
			Subsystem: "replay",
			Name:      "mark_stack_depth",
			Help:      "Depth of an agent's mark stack immediately after a context rebuild.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16},
		}),
	}
}
