// Package domain defines the canonical activity model shared by ingestion, sync and persistence.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActivityType enumerates the kinds of digital activity the service accounts for.
type ActivityType string

const (
	ActivityEmail    ActivityType = "email"
	ActivityMeeting  ActivityType = "meeting"
	ActivityStorage  ActivityType = "storage"
	ActivityBrowsing ActivityType = "browsing"
)

// ActivityTypes lists every accepted activity type.
var ActivityTypes = []ActivityType{ActivityEmail, ActivityMeeting, ActivityStorage, ActivityBrowsing}

// Valid reports whether t is one of the accepted activity types.
func (t ActivityType) Valid() bool {
	for _, known := range ActivityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Provider names the external service an activity originates from.
type Provider string

const (
	ProviderGmail          Provider = "gmail"
	ProviderOutlook        Provider = "outlook"
	ProviderGoogleMeet     Provider = "google_meet"
	ProviderMicrosoftTeams Provider = "microsoft_teams"
	ProviderGoogleDrive    Provider = "google_drive"
	ProviderOneDrive       Provider = "onedrive"
	ProviderWeb            Provider = "web"
)

// Providers lists every accepted provider.
var Providers = []Provider{
	ProviderGmail,
	ProviderOutlook,
	ProviderGoogleMeet,
	ProviderMicrosoftTeams,
	ProviderGoogleDrive,
	ProviderOneDrive,
	ProviderWeb,
}

// Valid reports whether p is one of the accepted providers.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// RawPayload is the loosely typed activity body submitted by the extension or built by a provider adapter.
type RawPayload map[string]any

// EmailPayload carries the typed fields of an email activity.
type EmailPayload struct {
	Subject         string   `json:"subject"`
	Recipients      []string `json:"recipients"`
	BodyPreview     string   `json:"body_preview"`
	AttachmentCount int      `json:"attachment_count"`
	AttachmentBytes int64    `json:"attachment_bytes"`
	Direction       string   `json:"direction"`
	Sender          string   `json:"sender"`
}

// MeetingPayload carries the typed fields of a meeting activity.
type MeetingPayload struct {
	Title             string `json:"title"`
	DurationMinutes   int    `json:"duration_minutes"`
	ParticipantsCount int    `json:"participants_count"`
	HasVideo          bool   `json:"has_video"`
}

// StoragePayload carries the typed fields of a cloud storage activity.
type StoragePayload struct {
	Action         string  `json:"action"`
	SizeMB         float64 `json:"size_mb"`
	TotalStorageGB float64 `json:"total_storage_gb"`
	DaysStored     int     `json:"days_stored"`
}

// BrowsingPayload carries the typed fields of a browsing activity.
type BrowsingPayload struct {
	Site            string `json:"site"`
	Category        string `json:"category"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Payload holds exactly one activity-specific sub-record.
type Payload struct {
	Email    *EmailPayload
	Meeting  *MeetingPayload
	Storage  *StoragePayload
	Browsing *BrowsingPayload
}

// MarshalJSON encodes the populated sub-record as a flat object.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case p.Email != nil:
		return json.Marshal(p.Email)
	case p.Meeting != nil:
		return json.Marshal(p.Meeting)
	case p.Storage != nil:
		return json.Marshal(p.Storage)
	case p.Browsing != nil:
		return json.Marshal(p.Browsing)
	}
	return []byte("{}"), nil
}

// DecodePayload restores a Payload from its flat JSON form. The activity type selects the sub-record.
func DecodePayload(activityType ActivityType, raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var err error
	switch activityType {
	case ActivityEmail:
		p.Email = &EmailPayload{}
		err = json.Unmarshal(raw, p.Email)
	case ActivityMeeting:
		p.Meeting = &MeetingPayload{}
		err = json.Unmarshal(raw, p.Meeting)
	case ActivityStorage:
		p.Storage = &StoragePayload{}
		err = json.Unmarshal(raw, p.Storage)
	case ActivityBrowsing:
		p.Browsing = &BrowsingPayload{}
		err = json.Unmarshal(raw, p.Browsing)
	default:
		return p, fmt.Errorf("%w: %s", ErrUnknownActivityType, activityType)
	}
	return p, err
}

// NormalizedActivity is the canonical, immutable form of an activity produced by the normalizer.
type NormalizedActivity struct {
	ActivityType     ActivityType
	Provider         Provider
	Timestamp        time.Time
	Platform         string
	Mode             string
	ExtensionVersion string
	UserID           string
	UserEmail        string
	Payload          Payload
	Metadata         map[string]any
}

// Identity returns the key used for the user's running totals: the user id when present, else the email.
func (a NormalizedActivity) Identity() string {
	if id := strings.TrimSpace(a.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(a.UserEmail)
}

// ExternalRef identifies a provider-native event by the metadata field that carries its id.
type ExternalRef struct {
	Field string
	Value string
}

// ActivityDocument is the persisted form of an activity.
type ActivityDocument struct {
	ID         string
	Activity   NormalizedActivity
	EmissionKg float64
	External   *ExternalRef
	RawPayload json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UserTotals is the running per-identity aggregate maintained on ingest.
type UserTotals struct {
	Identity        string
	UserID          string
	Email           string
	TotalEmissionKg float64
	ActivityCount   int64
	LastActivityAt  time.Time
	UpdatedAt       time.Time
}

// Cursor models the listing pagination token.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	UserID    string
	UserEmail string
	Since     *time.Time
	Until     *time.Time
}
