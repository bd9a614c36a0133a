package consumer

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeIngested  = "ingested"
	outcomeRejected  = "rejected"
	outcomeMalformed = "malformed"
	outcomeRetried   = "retried"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbonlens",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Telemetry records handled, by topic and outcome.",
	}, []string{"topic", "outcome"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "carbonlens",
		Subsystem: "consumer",
		Name:      "last_ingested_timestamp_seconds",
		Help:      "Broker timestamp of the latest ingested record per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, lastMessageGauge)
}

func record(topic, outcome string) {
	messagesCounter.WithLabelValues(topic, outcome).Inc()
}
