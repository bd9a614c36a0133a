package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	identitySyncCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbonlens",
		Subsystem: "poller",
		Name:      "identity_syncs_total",
		Help:      "Per-identity poll outcomes (success, failed, unauthenticated).",
	}, []string{"result"})

	retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carbonlens",
		Subsystem: "poller",
		Name:      "retries_total",
		Help:      "Number of per-identity sync attempts retried after a transient failure.",
	})

	passCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carbonlens",
		Subsystem: "poller",
		Name:      "passes_total",
		Help:      "Number of completed poll passes over all identities.",
	})

	lastPassGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carbonlens",
		Subsystem: "poller",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed poll pass.",
	})
)

func init() {
	prometheus.MustRegister(identitySyncCounter, retryCounter, passCounter, lastPassGauge)
}
