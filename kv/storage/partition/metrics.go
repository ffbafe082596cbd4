package partition

import "github.com/prometheus/client_golang/prometheus"

var (
	partitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "partition",
			Name:      "events",
			Help:      "Counter of partition events.",
		}, []string{"type"})

	partitionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "partition",
			Name:      "status",
			Help:      "Versions, prepared transactions and bytes held by each partition.",
		}, []string{"partition", "type"})
)

func init() {
	prometheus.MustRegister(partitionCounter)
	prometheus.MustRegister(partitionGauge)
}
