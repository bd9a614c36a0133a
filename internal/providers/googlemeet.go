package providers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"example.com/carbonlens/internal/domain"
)

const (
	PassMeetings = "meetings"

	calendarMaxPageSize = 250
)

var meetLinkPattern = regexp.MustCompile(`https://meet\.google\.com/[a-z0-9\-]+`)

// GoogleMeetAdapter syncs calendar events that carry a Google Meet conference.
type GoogleMeetAdapter struct {
	opts GoogleOptions
	now  func() time.Time
}

// NewGoogleMeetAdapter constructs a GoogleMeetAdapter.
func NewGoogleMeetAdapter(opts GoogleOptions) *GoogleMeetAdapter {
	return &GoogleMeetAdapter{opts: opts, now: time.Now}
}

func (a *GoogleMeetAdapter) Provider() domain.Provider { return domain.ProviderGoogleMeet }
func (a *GoogleMeetAdapter) Family() string { return domain.FamilyGoogle }
func (a *GoogleMeetAdapter) ExternalIDField() string { return "google_calendar_event_id" }

// Open builds a Calendar service bound to the credential's access token.
func (a *GoogleMeetAdapter) Open(ctx context.Context, cred domain.Credential) (Session, error) {
	svc, err := calendar.NewService(ctx, a.opts.clientOptions(ctx, cred, "/calendar/v3/")...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return &meetSession{svc: svc, cred: cred, now: a.now}, nil
}

type meetSession struct {
	svc  *calendar.Service
	cred domain.Credential
	now  func() time.Time
}

func (s *meetSession) Passes() []string { return []string{PassMeetings} }

func (s *meetSession) List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error) {
	call := s.svc.Events.List("primary").
		TimeMin(since.UTC().Format(time.RFC3339)).
		TimeMax(s.now().UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(int64(capPageSize(pageSize, calendarMaxPageSize))).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return Page{}, googleError(domain.ProviderGoogleMeet, err)
	}
	page := Page{NextPageToken: resp.NextPageToken}
	for _, event := range resp.Items {
		if event == nil || event.Id == "" || (meetLink(event) == "" && event.ConferenceData == nil) {
			continue
		}
		page.Refs = append(page.Refs, EventRef{ID: event.Id, Pass: pass})
	}
	return page, nil
}

func (s *meetSession) Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error) {
	event, err := s.svc.Events.Get("primary", ref.ID).Context(ctx).Do()
	if err != nil {
		return nil, googleError(domain.ProviderGoogleMeet, err)
	}
	return mapMeetEvent(event, s.cred)
}

func mapMeetEvent(event *calendar.Event, cred domain.Credential) (domain.RawPayload, error) {
	start, err := calendarTime(event.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", event.Id, err)
	}
	end, err := calendarTime(event.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", event.Id, err)
	}

	participants := 0
	for _, attendee := range event.Attendees {
		if attendee != nil && attendee.ResponseStatus != "declined" {
			participants++
		}
	}
	if participants == 0 {
		participants = 1
	}

	hasVideo := true
	if event.ConferenceData != nil && event.ConferenceData.ConferenceSolution != nil &&
		strings.Contains(strings.ToLower(event.ConferenceData.ConferenceSolution.Name), "audio") {
		hasVideo = false
	}

	raw := basePayload(domain.ActivityMeeting, domain.ProviderGoogleMeet, start, cred)
	raw["title"] = event.Summary
	raw["durationMinutes"] = int(end.Sub(start).Minutes())
	raw["participantsCount"] = participants
	raw["hasVideo"] = hasVideo
	raw["metadata"] = map[string]any{
		"source":                   "google_calendar_sync",
		"google_calendar_event_id": event.Id,
		"account_email":            cred.UserEmail,
		"meet_link":                meetLink(event),
	}
	return raw, nil
}

func meetLink(event *calendar.Event) string {
	if strings.Contains(event.HangoutLink, "meet.google.com") {
		return event.HangoutLink
	}
	return meetLinkPattern.FindString(event.Description)
}

func calendarTime(dt *calendar.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		return time.Parse("2006-01-02", dt.Date)
	}
	return time.Time{}, fmt.Errorf("missing time")
}
