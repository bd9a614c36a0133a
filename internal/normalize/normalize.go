// Package normalize turns loosely typed activity payloads into domain.NormalizedActivity values.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"example.com/carbonlens/internal/domain"
)

const (
	DefaultMode             = "awareness"
	DefaultExtensionVersion = "unknown"
	DefaultDirection        = "outbound"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var defaultProviders = map[domain.ActivityType]domain.Provider{
	domain.ActivityEmail:    domain.ProviderGmail,
	domain.ActivityMeeting:  domain.ProviderGoogleMeet,
	domain.ActivityStorage:  domain.ProviderGoogleDrive,
	domain.ActivityBrowsing: domain.ProviderWeb,
}

// Normalizer validates raw payloads. Now supplies the fallback timestamp.
type Normalizer struct {
	Now func() time.Time
}

// New returns a Normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// Normalize validates raw with the wall clock.
func Normalize(raw domain.RawPayload) (domain.NormalizedActivity, error) {
	return New().Normalize(raw)
}

// Normalize validates raw and applies the defaulting rules. Only the activity type,
// provider and a non-empty timestamp are strict; every other field falls back to a default.
func (n *Normalizer) Normalize(raw domain.RawPayload) (domain.NormalizedActivity, error) {
	if raw == nil {
		return domain.NormalizedActivity{}, domain.NewValidationError("", "payload must be a JSON object")
	}

	typeValue, ok := raw["activityType"].(string)
	if !ok || strings.TrimSpace(typeValue) == "" {
		return domain.NormalizedActivity{}, domain.NewValidationError("activityType", "missing or invalid")
	}
	activityType := domain.ActivityType(strings.ToLower(strings.TrimSpace(typeValue)))
	if !activityType.Valid() {
		return domain.NormalizedActivity{}, domain.NewValidationError("activityType", "unsupported value "+string(activityType))
	}

	provider := domain.Provider(strings.ToLower(optionalString(raw, "provider", "")))
	if provider != "" && !provider.Valid() {
		return domain.NormalizedActivity{}, domain.NewValidationError("provider", "unsupported value "+string(provider))
	}
	if provider == "" {
		provider = inferProvider(activityType, raw)
	}

	timestamp, err := n.parseTimestamp(optionalString(raw, "timestamp", ""))
	if err != nil {
		return domain.NormalizedActivity{}, err
	}

	activity := domain.NormalizedActivity{
		ActivityType:     activityType,
		Provider:         provider,
		Timestamp:        timestamp,
		Platform:         optionalString(raw, "platform", string(provider)),
		Mode:             optionalString(raw, "mode", DefaultMode),
		ExtensionVersion: optionalString(raw, "extensionVersion", DefaultExtensionVersion),
		Payload:          details(activityType, raw),
		Metadata:         map[string]any{},
	}

	metadata, _ := raw["metadata"].(map[string]any)
	for k, v := range metadata {
		activity.Metadata[k] = v
	}

	if user, ok := raw["user"].(map[string]any); ok {
		activity.UserID = optionalString(user, "id", "")
		activity.UserEmail = optionalString(user, "email", "")
	}
	if activity.UserEmail == "" {
		activity.UserEmail = optionalString(raw, "user_email", "")
	}
	if activity.UserEmail == "" && metadata != nil {
		activity.UserEmail = optionalString(metadata, "account_email", "")
	}

	return activity, nil
}

func (n *Normalizer) parseTimestamp(value string) (time.Time, error) {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	if value == "" {
		return now().UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, domain.NewValidationError("timestamp", "must be in ISO 8601 format")
}

func inferProvider(activityType domain.ActivityType, raw domain.RawPayload) domain.Provider {
	if platform := domain.Provider(strings.ToLower(optionalString(raw, "platform", ""))); platform.Valid() {
		return platform
	}
	return defaultProviders[activityType]
}

func details(activityType domain.ActivityType, raw domain.RawPayload) domain.Payload {
	switch activityType {
	case domain.ActivityEmail:
		direction := strings.ToLower(optionalString(raw, "direction", DefaultDirection))
		if direction == "" {
			direction = DefaultDirection
		}
		return domain.Payload{Email: &domain.EmailPayload{
			Subject:         optionalString(raw, "subject", ""),
			Recipients:      Recipients(raw["recipients"]),
			BodyPreview:     optionalString(raw, "bodyPreview", ""),
			AttachmentCount: int(atLeast(optionalInt(raw, "attachmentCount", 0), 0)),
			AttachmentBytes: atLeast(optionalInt(raw, "attachmentBytes", 0), 0),
			Direction:       direction,
			Sender:          optionalString(raw, "sender", ""),
		}}
	case domain.ActivityMeeting:
		return domain.Payload{Meeting: &domain.MeetingPayload{
			Title:             optionalString(raw, "title", ""),
			DurationMinutes:   int(atLeast(optionalInt(raw, "durationMinutes", 0), 0)),
			ParticipantsCount: int(atLeast(optionalInt(raw, "participantsCount", 1), 1)),
			HasVideo:          optionalBool(raw, "hasVideo", true),
		}}
	case domain.ActivityStorage:
		return domain.Payload{Storage: &domain.StoragePayload{
			Action:         optionalString(raw, "action", ""),
			SizeMB:         atLeast(optionalFloat(raw, "sizeMb", 0), 0),
			TotalStorageGB: atLeast(optionalFloat(raw, "totalStorageGb", 0), 0),
			DaysStored:     int(atLeast(optionalInt(raw, "daysStored", 0), 0)),
		}}
	default:
		return domain.Payload{Browsing: &domain.BrowsingPayload{
			Site:            optionalString(raw, "site", ""),
			Category:        optionalString(raw, "category", ""),
			DurationMinutes: int(atLeast(optionalInt(raw, "durationMinutes", 0), 0)),
		}}
	}
}

// Recipients accepts a list or a comma separated string and returns trimmed addresses,
// de-duplicated case-insensitively in first-seen order.
func Recipients(value any) []string {
	var entries []string
	switch v := value.(type) {
	case []string:
		entries = v
	case []any:
		for _, item := range v {
			if item == nil {
				continue
			}
			switch s := item.(type) {
			case string:
				entries = append(entries, s)
			default:
				entries = append(entries, strings.Trim(toJSON(s), `"`))
			}
		}
	case string:
		entries = strings.Split(v, ",")
	}

	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key := strings.ToLower(entry)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, entry)
	}
	return out
}

func optionalString(container map[string]any, key, fallback string) string {
	value, ok := container[key].(string)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func optionalInt(container map[string]any, key string, fallback int64) int64 {
	switch v := container[key].(type) {
	case nil:
		return fallback
	case bool:
		if v {
			return 1
		}
		return 0
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, hence >=.
		if math.IsNaN(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return fallback
		}
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		return fallback
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func optionalFloat(container map[string]any, key string, fallback float64) float64 {
	switch v := container[key].(type) {
	case nil:
		return fallback
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fallback
		}
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return fallback
}

// atLeast clamps counts, durations and sizes that arrive below their floor.
func atLeast[T int64 | float64](v, floor T) T {
	if v < floor {
		return floor
	}
	return v
}

func optionalBool(container map[string]any, key string, fallback bool) bool {
	switch v := container[key].(type) {
	case nil:
		return fallback
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
