package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carbonlens"

var (
	activitiesIngestedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "activities_total",
		Help:      "Number of activities persisted, labeled by activity type and provider.",
	}, []string{"activity_type", "provider"})

	emissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "emission_kg_total",
		Help:      "Sum of estimated kg CO2e across persisted activities.",
	}, []string{"activity_type"})

	ingestFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "failures_total",
		Help:      "Number of ingest calls that failed, labeled by stage.",
	}, []string{"stage"})

	missingEmailCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "missing_user_email_total",
		Help:      "Number of activities normalized without a user email.",
	})

	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity persisted.",
	})

	syncEventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "events_total",
		Help:      "Provider events seen by the sync engine, labeled by provider and outcome.",
	}, []string{"provider", "outcome"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall-clock time of a provider sync call.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(
		activitiesIngestedCounter,
		emissionCounter,
		ingestFailureCounter,
		missingEmailCounter,
		activityPersistGauge,
		syncEventsCounter,
		syncDuration,
	)
}

// RecordActivityIngested counts a persisted activity and its emission.
func RecordActivityIngested(activityType, provider string, emissionKg float64, ts time.Time) {
	activitiesIngestedCounter.WithLabelValues(activityType, provider).Inc()
	if emissionKg > 0 {
		emissionCounter.WithLabelValues(activityType).Add(emissionKg)
	}
	if !ts.IsZero() {
		activityPersistGauge.Set(float64(ts.Unix()))
	}
}

// RecordIngestFailure counts a failed ingest at stage (normalize, persist, totals).
func RecordIngestFailure(stage string) {
	ingestFailureCounter.WithLabelValues(stage).Inc()
}

// RecordMissingEmail counts a data-quality warning.
func RecordMissingEmail() {
	missingEmailCounter.Inc()
}

// RecordSyncEvent counts one provider event outcome (processed, skipped, failed).
func RecordSyncEvent(provider, outcome string) {
	syncEventsCounter.WithLabelValues(provider, outcome).Inc()
}

// ObserveSync records the duration of a sync call.
func ObserveSync(provider string, started time.Time) {
	syncDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

// IngestFailures exposes the failure counter for tests.
func IngestFailures() *prometheus.CounterVec {
	return ingestFailureCounter
}

// SyncEvents exposes the sync event counter for tests.
func SyncEvents() *prometheus.CounterVec {
	return syncEventsCounter
}

// RecordActivityPersisted updates the last persisted timestamp.
func RecordActivityPersisted(ts time.Time) {
	activityPersistGauge.Set(float64(ts.Unix()))
}
