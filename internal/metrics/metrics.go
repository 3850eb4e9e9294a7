// Package metrics defines the Prometheus instrumentation for the
// pipeline runtime: queue depth, commit outcomes, and throttle state.
// Grounded on the teacher's prometheus/client_golang usage
// (internal/observability/prometheus.go); rewritten fresh for this
// domain's metric names since no facet of the teacher's git-analysis
// metrics carries over.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the pipeline's metric collectors. Callers register
// it against a prometheus.Registerer of their choosing (production code
// uses prometheus.DefaultRegisterer; tests use a fresh
// prometheus.NewRegistry()).
type Registry struct {
	QueueDepth     *prometheus.GaugeVec
	CommitOutcomes *prometheus.CounterVec
	Throttled      prometheus.Gauge
	ItemsDone      prometheus.Counter
	RangesDone     prometheus.Counter
}

// New builds a Registry and registers its collectors with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharpsplat",
			Name:      "queue_depth",
			Help:      "Current number of items waiting in a pipeline stage queue.",
		}, []string{"stage"}),
		CommitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharpsplat",
			Name:      "commit_outcomes_total",
			Help:      "Repo gateway commit attempts, labeled by outcome.",
		}, []string{"outcome"}),
		Throttled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharpsplat",
			Name:      "upstream_throttled",
			Help:      "1 if the upstream client is currently under a sticky rate-limit throttle, else 0.",
		}),
		ItemsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharpsplat",
			Name:      "items_done_total",
			Help:      "Total items marked done.",
		}),
		RangesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharpsplat",
			Name:      "ranges_done_total",
			Help:      "Total ranges marked done.",
		}),
	}

	reg.MustRegister(r.QueueDepth, r.CommitOutcomes, r.Throttled, r.ItemsDone, r.RangesDone)

	return r
}

// Commit outcome labels, matching SPEC_FULL.md §4.6's "success /
// conflict-retried / rate-limited" taxonomy.
const (
	OutcomeSuccess        = "success"
	OutcomeConflictRetried = "conflict_retried"
	OutcomeRateLimited     = "rate_limited"
	OutcomeFailed          = "failed"
)
