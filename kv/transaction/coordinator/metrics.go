package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "events",
			Help:      "Counter of transaction events.",
		}, []string{"type"})

	txnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of transaction lifetime by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})

	twoPhaseCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "2pc_action_duration_seconds",
			Help:      "Bucketed histogram of two-phase commit actions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})

	txnGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "status",
			Help:      "Number of transactions in the table by state.",
		}, []string{"type"})

	gcWatermarkGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "gc",
			Name:      "watermark",
			Help:      "Watermark of the last garbage collection.",
		})

	gcCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "gc",
			Name:      "events",
			Help:      "Counter of garbage collection events.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(txnDuration)
	prometheus.MustRegister(twoPhaseCommitDuration)
	prometheus.MustRegister(txnGauge)
	prometheus.MustRegister(gcWatermarkGauge)
	prometheus.MustRegister(gcCounter)
}
