// Package emissions estimates kg CO2e for normalized activities from a fixed coefficient table.
package emissions

import (
	"fmt"
	"math"

	"example.com/carbonlens/internal/domain"
)

// Coefficient values in kg CO2e.
const (
	EmailBase          = 0.0003
	EmailAttachmentMB  = 0.015
	MeetingVideoHour   = 1.6
	MeetingAudioHour   = 0.4
	StorageGBYear      = 3.6
	StorageUploadMB    = 0.0001
	StorageDownloadMB  = 0.0001
	BrowsingMinute     = 0.0002
	PDFReadingMinute   = 0.00015
	StreamingMinute    = 0.0005
	bytesPerMB         = 1_000_000
	daysPerYear        = 365.0
	roundingMultiplier = 1e6
)

// WebKind selects the per-minute coefficient for web activity.
type WebKind string

const (
	WebBrowsing   WebKind = "browsing"
	WebPDFReading WebKind = "pdf_reading"
	WebStreaming  WebKind = "streaming"
)

var webCoefficients = map[WebKind]float64{
	WebBrowsing:   BrowsingMinute,
	WebPDFReading: PDFReadingMinute,
	WebStreaming:  StreamingMinute,
}

// Round rounds v to microgram precision.
func Round(v float64) float64 {
	return math.Round(v*roundingMultiplier) / roundingMultiplier
}

// Email estimates one message delivered to every recipient. Zero recipients counts as one copy.
func Email(attachmentMB float64, recipients int) float64 {
	if recipients < 1 {
		recipients = 1
	}
	attachmentMB = nonNegative(attachmentMB)
	return Round((EmailBase + EmailAttachmentMB*attachmentMB) * float64(recipients))
}

// Meeting estimates a call of durationMinutes for participants endpoints.
func Meeting(durationMinutes float64, hasVideo bool, participants int) float64 {
	rate := MeetingAudioHour
	if hasVideo {
		rate = MeetingVideoHour
	}
	if participants < 1 {
		participants = 1
	}
	return Round(rate * (nonNegative(durationMinutes) / 60) * float64(participants))
}

// Storage estimates transfer plus at-rest storage prorated over days.
func Storage(uploadMB, downloadMB, storageGB float64, days int) float64 {
	total := StorageUploadMB*nonNegative(uploadMB) + StorageDownloadMB*nonNegative(downloadMB)
	if storageGB > 0 && days > 0 {
		total += StorageGBYear * storageGB * float64(days) / daysPerYear
	}
	return Round(total)
}

// Web estimates kind of web activity over durationMinutes. Unknown kinds use the browsing rate.
func Web(kind WebKind, durationMinutes float64) float64 {
	coefficient, ok := webCoefficients[kind]
	if !ok {
		coefficient = BrowsingMinute
	}
	return Round(coefficient * nonNegative(durationMinutes))
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// ForActivity dispatches on the activity type and feeds the typed payload into the matching formula.
func ForActivity(activity domain.NormalizedActivity) (float64, error) {
	kg, err := forActivity(activity)
	if err != nil {
		return 0, err
	}
	if math.IsInf(kg, 0) || math.IsNaN(kg) {
		return 0, domain.NewValidationError("payload", "emission estimate is out of range")
	}
	return kg, nil
}

func forActivity(activity domain.NormalizedActivity) (float64, error) {
	p := activity.Payload
	switch activity.ActivityType {
	case domain.ActivityEmail:
		if p.Email == nil {
			return Email(0, 1), nil
		}
		return Email(float64(p.Email.AttachmentBytes)/bytesPerMB, len(p.Email.Recipients)), nil
	case domain.ActivityMeeting:
		if p.Meeting == nil {
			return 0, nil
		}
		return Meeting(float64(p.Meeting.DurationMinutes), p.Meeting.HasVideo, p.Meeting.ParticipantsCount), nil
	case domain.ActivityStorage:
		if p.Storage == nil {
			return 0, nil
		}
		return Storage(p.Storage.SizeMB, 0, p.Storage.TotalStorageGB, p.Storage.DaysStored), nil
	case domain.ActivityBrowsing:
		if p.Browsing == nil {
			return 0, nil
		}
		return Web(WebBrowsing, float64(p.Browsing.DurationMinutes)), nil
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownActivityType, activity.ActivityType)
}

// Recompute derives the emission of a stored document from its own payload.
func Recompute(doc domain.ActivityDocument) (float64, error) {
	return ForActivity(doc.Activity)
}

// CoefficientTable exposes the coefficients keyed by activity and unit.
func CoefficientTable() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"email": {
			"base_per_message":  EmailBase,
			"per_attachment_mb": EmailAttachmentMB,
		},
		"meeting": {
			"video_per_hour": MeetingVideoHour,
			"audio_per_hour": MeetingAudioHour,
		},
		"storage": {
			"per_gb_year":     StorageGBYear,
			"upload_per_mb":   StorageUploadMB,
			"download_per_mb": StorageDownloadMB,
		},
		"web": {
			"browsing_per_minute":    BrowsingMinute,
			"pdf_reading_per_minute": PDFReadingMinute,
			"streaming_per_minute":   StreamingMinute,
		},
	}
}
