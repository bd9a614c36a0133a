package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"example.com/carbonlens/internal/domain"
)

const (
	PassOutbound = "outbound"
	PassInbound  = "inbound"

	gmailMaxPageSize = 500
)

// GmailAdapter syncs sent and received Gmail messages.
type GmailAdapter struct {
	opts GoogleOptions
}

// NewGmailAdapter constructs a GmailAdapter.
func NewGmailAdapter(opts GoogleOptions) *GmailAdapter {
	return &GmailAdapter{opts: opts}
}

func (a *GmailAdapter) Provider() domain.Provider { return domain.ProviderGmail }
func (a *GmailAdapter) Family() string { return domain.FamilyGoogle }
func (a *GmailAdapter) ExternalIDField() string { return "gmail_message_id" }

// Open builds a Gmail service bound to the credential's access token.
func (a *GmailAdapter) Open(ctx context.Context, cred domain.Credential) (Session, error) {
	svc, err := gmail.NewService(ctx, a.opts.clientOptions(ctx, cred, "/")...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &gmailSession{svc: svc, cred: cred}, nil
}

type gmailSession struct {
	svc  *gmail.Service
	cred domain.Credential
}

func (s *gmailSession) Passes() []string { return []string{PassOutbound, PassInbound} }

func (s *gmailSession) List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error) {
	after := fmt.Sprintf("after:%d", since.Unix())
	call := s.svc.Users.Messages.List("me").MaxResults(int64(capPageSize(pageSize, gmailMaxPageSize))).Context(ctx)
	switch pass {
	case PassOutbound:
		call = call.Q("is:sent " + after)
	case PassInbound:
		call = call.LabelIds("INBOX").Q(after)
	default:
		return Page{}, fmt.Errorf("gmail: unknown pass %q", pass)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return Page{}, googleError(domain.ProviderGmail, err)
	}
	page := Page{NextPageToken: resp.NextPageToken}
	for _, msg := range resp.Messages {
		if msg == nil || msg.Id == "" {
			continue
		}
		page.Refs = append(page.Refs, EventRef{ID: msg.Id, Pass: pass})
	}
	return page, nil
}

func (s *gmailSession) Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error) {
	msg, err := s.svc.Users.Messages.Get("me", ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, googleError(domain.ProviderGmail, err)
	}
	return mapGmailMessage(msg, ref.Pass, s.cred), nil
}

func mapGmailMessage(msg *gmail.Message, direction string, cred domain.Credential) domain.RawPayload {
	var headers []*gmail.MessagePartHeader
	var parts []*gmail.MessagePart
	if msg.Payload != nil {
		headers = msg.Payload.Headers
		parts = msg.Payload.Parts
	}

	sender := cred.UserEmail
	if candidates := parseAddresses(gmailHeader(headers, "From")); len(candidates) > 0 {
		sender = candidates[0]
	}
	recipients := parseAddresses(gmailHeader(headers, "To"), gmailHeader(headers, "Cc"), gmailHeader(headers, "Bcc"))
	count, size := countGmailAttachments(parts)

	labels := msg.LabelIds
	if labels == nil {
		labels = []string{}
	}

	raw := basePayload(domain.ActivityEmail, domain.ProviderGmail, time.UnixMilli(msg.InternalDate), cred)
	raw["subject"] = gmailHeader(headers, "Subject")
	raw["recipients"] = recipients
	raw["bodyPreview"] = msg.Snippet
	raw["attachmentCount"] = count
	raw["attachmentBytes"] = size
	raw["direction"] = direction
	raw["sender"] = sender
	raw["metadata"] = map[string]any{
		"source":           "gmail_api_sync",
		"gmail_message_id": msg.Id,
		"account_email":    cred.UserEmail,
		"direction":        direction,
		"thread_id":        msg.ThreadId,
		"label_ids":        labels,
	}
	return raw
}

func gmailHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// countGmailAttachments walks the MIME tree and counts parts that carry a filename.
func countGmailAttachments(parts []*gmail.MessagePart) (int, int64) {
	count, size := 0, int64(0)
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.Filename != "" {
			count++
			if part.Body != nil {
				size += part.Body.Size
			}
		}
		if len(part.Parts) > 0 {
			c, s := countGmailAttachments(part.Parts)
			count += c
			size += s
		}
	}
	return count, size
}
