// Package providers maps external provider APIs onto the raw activity payload shape.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"

	"example.com/carbonlens/internal/domain"
)

// Sync payloads are tagged so they can be told apart from extension pushes.
const (
	SyncMode             = "sync"
	SyncExtensionVersion = "api-sync"
)

// EventRef identifies one provider event discovered by a list pass.
type EventRef struct {
	ID   string
	Pass string
}

// Page is one page of a list pass.
type Page struct {
	Refs          []EventRef
	NextPageToken string
}

// Session is an authenticated provider connection for a single sync call.
type Session interface {
	// Passes names the independent list passes, e.g. outbound and inbound mail.
	Passes() []string
	// List returns one page of event references modified or created since the given instant.
	List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error)
	// Fetch loads one event and maps it into a raw activity payload.
	Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error)
}

// Adapter describes a provider that can be synced.
type Adapter interface {
	Provider() domain.Provider
	// Family names the credential family the adapter authenticates with.
	Family() string
	// ExternalIDField is the metadata key carrying the provider-native event id.
	ExternalIDField() string
	Open(ctx context.Context, cred domain.Credential) (Session, error)
}

// Registry holds adapters keyed by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Provider]Adapter
}

// NewRegistry constructs a Registry with the supplied adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter)}
	for _, adapter := range adapters {
		r.Register(adapter)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalizeProvider(adapter.Provider())] = adapter
}

// Lookup returns the adapter for provider or domain.ErrUnknownProvider.
func (r *Registry) Lookup(provider domain.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizeProvider(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}
	return adapter, nil
}

// Providers lists registered provider names in sorted order.
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]domain.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func normalizeProvider(p domain.Provider) domain.Provider {
	return domain.Provider(strings.ToLower(strings.TrimSpace(string(p))))
}

// Default builds the registry of every supported provider.
func Default(google GoogleOptions, graph GraphOptions) *Registry {
	return NewRegistry(
		NewGmailAdapter(google),
		NewGoogleMeetAdapter(google),
		NewGoogleDriveAdapter(google),
		NewOutlookAdapter(graph),
		NewTeamsAdapter(graph),
		NewOneDriveAdapter(graph),
	)
}

// basePayload fills the fields every sync payload carries.
func basePayload(activityType domain.ActivityType, provider domain.Provider, ts time.Time, cred domain.Credential) domain.RawPayload {
	raw := domain.RawPayload{
		"activityType":     string(activityType),
		"provider":         string(provider),
		"timestamp":        ts.UTC().Format(time.RFC3339Nano),
		"mode":             SyncMode,
		"extensionVersion": SyncExtensionVersion,
		"user_email":       cred.UserEmail,
	}
	if cred.UserID != "" {
		raw["user"] = map[string]any{"id": cred.UserID, "email": cred.UserEmail}
	}
	return raw
}

// googleError converts googleapi errors into domain.ProviderAPIError.
func googleError(provider domain.Provider, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Message
		if body == "" {
			body = gerr.Body
		}
		return &domain.ProviderAPIError{Provider: string(provider), StatusCode: gerr.Code, Body: body}
	}
	return err
}

func capPageSize(pageSize, max int) int {
	if pageSize <= 0 || pageSize > max {
		return max
	}
	return pageSize
}
