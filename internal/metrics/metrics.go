package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "guardian"

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Completed attempt sequences, partitioned by transaction type and final outcome.",
		},
		[]string{"type", "outcome"},
	)

	checkDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall-clock duration of a full attempt sequence, retries included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	overdueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overdue_total",
			Help:      "Ticks skipped because the previous run of the transaction was still in flight.",
		},
		[]string{"transaction"},
	)

	storeWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_failures_total",
			Help:      "Results that could not be persisted after all write retries.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Status events emitted by the alert evaluator, partitioned by kind.",
		},
		[]string{"kind"},
	)

	prunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_results_total",
			Help:      "Results deleted by retention pruning.",
		},
	)

	systemHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_healthy",
			Help:      "1 while the result store accepts writes, 0 once a write has failed permanently.",
		},
	)
)

func init() {
	systemHealthy.Set(1)
}

// Register attaches guardian collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		checksTotal,
		checkDurationSeconds,
		overdueTotal,
		storeWriteFailuresTotal,
		transitionsTotal,
		prunedTotal,
		systemHealthy,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCheck records one completed attempt sequence.
func ObserveCheck(txType, outcome string, duration time.Duration) {
	checksTotal.WithLabelValues(txType, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	checkDurationSeconds.WithLabelValues(txType).Observe(duration.Seconds())
}

func IncOverdue(transaction string) { overdueTotal.WithLabelValues(transaction).Inc() }

func IncStoreWriteFailure() { storeWriteFailuresTotal.Inc() }

func IncTransition(kind string) { transitionsTotal.WithLabelValues(kind).Inc() }

func AddPruned(n int64) {
	if n > 0 {
		prunedTotal.Add(float64(n))
	}
}

func SetSystemHealthy(ok bool) {
	if ok {
		systemHealthy.Set(1)
		return
	}
	systemHealthy.Set(0)
}
