package providers

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"example.com/carbonlens/internal/domain"
)

const (
	graphMaxPageSize = 100
	outlookSelect    = "id,subject,hasAttachments,sentDateTime,receivedDateTime,from,toRecipients,ccRecipients,bccRecipients,bodyPreview,conversationId"
)

// OutlookAdapter syncs sent and received Outlook mail through Microsoft Graph.
type OutlookAdapter struct {
	opts GraphOptions
}

// NewOutlookAdapter constructs an OutlookAdapter.
func NewOutlookAdapter(opts GraphOptions) *OutlookAdapter {
	return &OutlookAdapter{opts: opts}
}

func (a *OutlookAdapter) Provider() domain.Provider { return domain.ProviderOutlook }
func (a *OutlookAdapter) Family() string { return domain.FamilyMicrosoft }
func (a *OutlookAdapter) ExternalIDField() string { return "outlook_message_id" }

func (a *OutlookAdapter) Open(_ context.Context, cred domain.Credential) (Session, error) {
	return &outlookSession{client: newGraphClient(domain.ProviderOutlook, a.opts, cred.AccessToken), cred: cred}, nil
}

type outlookSession struct {
	client *graphClient
	cred   domain.Credential
}

type outlookMessage struct {
	ID               string              `json:"id"`
	Subject          string              `json:"subject"`
	HasAttachments   bool                `json:"hasAttachments"`
	SentDateTime     string              `json:"sentDateTime"`
	ReceivedDateTime string              `json:"receivedDateTime"`
	From             *graphEmailAddress  `json:"from"`
	ToRecipients     []graphEmailAddress `json:"toRecipients"`
	CcRecipients     []graphEmailAddress `json:"ccRecipients"`
	BccRecipients    []graphEmailAddress `json:"bccRecipients"`
	BodyPreview      string              `json:"bodyPreview"`
	ConversationID   string              `json:"conversationId"`
}

type outlookAttachment struct {
	Size int64 `json:"size"`
}

func (s *outlookSession) Passes() []string { return []string{PassOutbound, PassInbound} }

func (s *outlookSession) List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error) {
	var resp graphCollection[outlookMessage]
	if pageToken != "" {
		if err := s.client.get(ctx, pageToken, nil, &resp); err != nil {
			return Page{}, err
		}
	} else {
		sinceISO := since.UTC().Format(time.RFC3339)
		query := url.Values{}
		query.Set("$top", strconv.Itoa(capPageSize(pageSize, graphMaxPageSize)))
		query.Set("$select", "id")
		path := "/me/messages"
		if pass == PassOutbound {
			query.Set("$filter", "isSent eq true and sentDateTime ge "+sinceISO)
		} else {
			path = "/me/mailFolders/Inbox/messages"
			query.Set("$filter", "receivedDateTime ge "+sinceISO)
		}
		if err := s.client.get(ctx, path, query, &resp); err != nil {
			return Page{}, err
		}
	}
	page := Page{NextPageToken: resp.NextLink}
	for _, msg := range resp.Value {
		if msg.ID != "" {
			page.Refs = append(page.Refs, EventRef{ID: msg.ID, Pass: pass})
		}
	}
	return page, nil
}

func (s *outlookSession) Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error) {
	var msg outlookMessage
	query := url.Values{"$select": []string{outlookSelect}}
	if err := s.client.get(ctx, "/me/messages/"+url.PathEscape(ref.ID), query, &msg); err != nil {
		return nil, err
	}

	count, size := 0, int64(0)
	if msg.HasAttachments {
		var attachments graphCollection[outlookAttachment]
		if err := s.client.get(ctx, "/me/messages/"+url.PathEscape(ref.ID)+"/attachments", url.Values{"$select": []string{"size"}}, &attachments); err != nil {
			return nil, err
		}
		for _, a := range attachments.Value {
			count++
			size += a.Size
		}
	}

	stamp := msg.SentDateTime
	if ref.Pass == PassInbound || stamp == "" {
		stamp = msg.ReceivedDateTime
	}
	ts, err := parseProviderTime(stamp)
	if err != nil {
		return nil, err
	}

	sender := s.cred.UserEmail
	if msg.From != nil {
		if candidates := graphAddresses([]graphEmailAddress{*msg.From}); len(candidates) > 0 {
			sender = candidates[0]
		}
	}

	raw := basePayload(domain.ActivityEmail, domain.ProviderOutlook, ts, s.cred)
	raw["subject"] = msg.Subject
	raw["recipients"] = graphAddresses(msg.ToRecipients, msg.CcRecipients, msg.BccRecipients)
	raw["bodyPreview"] = msg.BodyPreview
	raw["attachmentCount"] = count
	raw["attachmentBytes"] = size
	raw["direction"] = ref.Pass
	raw["sender"] = sender
	raw["metadata"] = map[string]any{
		"source":             "outlook_api_sync",
		"outlook_message_id": ref.ID,
		"account_email":      s.cred.UserEmail,
		"direction":          ref.Pass,
		"conversation_id":    msg.ConversationID,
	}
	return raw, nil
}
