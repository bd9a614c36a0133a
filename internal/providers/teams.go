package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/carbonlens/internal/domain"
)

const teamsSelect = "id,subject,start,end,attendees,isOnlineMeeting,onlineMeeting,onlineMeetingUrl"

// TeamsAdapter syncs Outlook calendar events that are Teams meetings.
type TeamsAdapter struct {
	opts GraphOptions
	now  func() time.Time
}

// NewTeamsAdapter constructs a TeamsAdapter.
func NewTeamsAdapter(opts GraphOptions) *TeamsAdapter {
	return &TeamsAdapter{opts: opts, now: time.Now}
}

func (a *TeamsAdapter) Provider() domain.Provider { return domain.ProviderMicrosoftTeams }
func (a *TeamsAdapter) Family() string { return domain.FamilyMicrosoft }
func (a *TeamsAdapter) ExternalIDField() string { return "microsoft_event_id" }

func (a *TeamsAdapter) Open(_ context.Context, cred domain.Credential) (Session, error) {
	return &teamsSession{client: newGraphClient(domain.ProviderMicrosoftTeams, a.opts, cred.AccessToken), cred: cred, now: a.now}, nil
}

type teamsSession struct {
	client *graphClient
	cred   domain.Credential
	now    func() time.Time
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type teamsEvent struct {
	ID               string         `json:"id"`
	Subject          string         `json:"subject"`
	Start            *graphDateTime `json:"start"`
	End              *graphDateTime `json:"end"`
	IsOnlineMeeting  bool           `json:"isOnlineMeeting"`
	OnlineMeetingURL string         `json:"onlineMeetingUrl"`
	OnlineMeeting    *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	Attendees []struct {
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees"`
}

func (e teamsEvent) joinURL() string {
	if e.OnlineMeeting != nil && e.OnlineMeeting.JoinURL != "" {
		return e.OnlineMeeting.JoinURL
	}
	return e.OnlineMeetingURL
}

func (e teamsEvent) isTeamsMeeting() bool {
	return e.IsOnlineMeeting || strings.Contains(strings.ToLower(e.joinURL()), "teams.microsoft.com")
}

func (s *teamsSession) Passes() []string { return []string{PassMeetings} }

func (s *teamsSession) List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error) {
	var resp graphCollection[teamsEvent]
	if pageToken != "" {
		if err := s.client.get(ctx, pageToken, nil, &resp); err != nil {
			return Page{}, err
		}
	} else {
		query := url.Values{}
		query.Set("$top", strconv.Itoa(capPageSize(pageSize, graphMaxPageSize)))
		query.Set("$select", teamsSelect)
		query.Set("$filter", fmt.Sprintf("start/dateTime ge '%s' and end/dateTime le '%s'",
			since.UTC().Format("2006-01-02T15:04:05"), s.now().UTC().Format("2006-01-02T15:04:05")))
		if err := s.client.get(ctx, "/me/calendar/events", query, &resp); err != nil {
			return Page{}, err
		}
	}
	page := Page{NextPageToken: resp.NextLink}
	for _, event := range resp.Value {
		if event.ID != "" && event.isTeamsMeeting() {
			page.Refs = append(page.Refs, EventRef{ID: event.ID, Pass: pass})
		}
	}
	return page, nil
}

func (s *teamsSession) Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error) {
	var event teamsEvent
	if err := s.client.get(ctx, "/me/events/"+url.PathEscape(ref.ID), url.Values{"$select": []string{teamsSelect}}, &event); err != nil {
		return nil, err
	}
	if event.Start == nil || event.End == nil {
		return nil, fmt.Errorf("event %s has no start or end", ref.ID)
	}
	start, err := parseProviderTime(event.Start.DateTime)
	if err != nil {
		return nil, err
	}
	end, err := parseProviderTime(event.End.DateTime)
	if err != nil {
		return nil, err
	}

	participants := 0
	for _, attendee := range event.Attendees {
		if !strings.EqualFold(attendee.Status.Response, "declined") {
			participants++
		}
	}
	if participants == 0 {
		participants = 1
	}

	raw := basePayload(domain.ActivityMeeting, domain.ProviderMicrosoftTeams, start, s.cred)
	raw["title"] = event.Subject
	raw["durationMinutes"] = int(end.Sub(start).Minutes())
	raw["participantsCount"] = participants
	raw["hasVideo"] = event.IsOnlineMeeting
	raw["metadata"] = map[string]any{
		"source":             "microsoft_calendar_sync",
		"microsoft_event_id": ref.ID,
		"account_email":      s.cred.UserEmail,
		"teams_link":         event.joinURL(),
	}
	return raw, nil
}
