// Package events defines the payloads published through the outbox.
package events

import "time"

// Event types and their Kafka routing.
const (
	TypeActivityRecorded      = "activity.recorded"
	TypeUserTotalsAccumulated = "user_totals.accumulated"

	TopicActivities = "carbon_activity_events"
	TopicUserTotals = "carbon_user_totals"
)

// ActivityRecorded is emitted when an activity document is persisted.
type ActivityRecorded struct {
	ActivityID   string    `json:"activity_id"`
	ActivityType string    `json:"activity_type"`
	Provider     string    `json:"provider"`
	UserID       string    `json:"user_id,omitempty"`
	UserEmail    string    `json:"user_email,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	EmissionKg   float64   `json:"emission_kg"`
	Mode         string    `json:"mode"`
	ExternalID   string    `json:"external_id,omitempty"`
}

// UserTotalsAccumulated is emitted each time an activity is folded into a user's totals.
type UserTotalsAccumulated struct {
	Identity        string    `json:"identity"`
	TotalEmissionKg float64   `json:"total_emission_kg"`
	ActivityCount   int64     `json:"activity_count"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
