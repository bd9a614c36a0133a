// Package memory provides an in-process Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/persistence"
)

// Store is a mutex-guarded implementation of domain.Store and domain.CredentialResolver.
type Store struct {
	mu          sync.Mutex
	activities  map[string]domain.ActivityDocument
	order       []string
	externalIDs map[domain.ExternalRef]string
	totals      map[string]domain.UserTotals
	credentials []domain.Credential

	// FailTotals, when set, is returned by UpdateUserTotals.
	FailTotals error
	// FailInsert, when set, is returned by InsertActivity.
	FailInsert error
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		activities:  make(map[string]domain.ActivityDocument),
		externalIDs: make(map[domain.ExternalRef]string),
		totals:      make(map[string]domain.UserTotals),
	}
}

// FindByExternalID implements domain.ActivityStore.
func (s *Store) FindByExternalID(_ context.Context, field, value string) (*domain.ActivityDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.externalIDs[domain.ExternalRef{Field: field, Value: value}]
	if !ok {
		return nil, nil
	}
	doc := s.activities[id]
	return &doc, nil
}

// InsertActivity implements domain.ActivityStore.
func (s *Store) InsertActivity(_ context.Context, doc domain.ActivityDocument) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailInsert != nil {
		return "", s.FailInsert
	}
	if doc.External != nil {
		if _, exists := s.externalIDs[*doc.External]; exists {
			return "", domain.ErrDuplicateExternalID
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	s.activities[doc.ID] = doc
	s.order = append(s.order, doc.ID)
	if doc.External != nil {
		s.externalIDs[*doc.External] = doc.ID
	}
	return doc.ID, nil
}

// GetActivity implements domain.ActivityStore.
func (s *Store) GetActivity(_ context.Context, id string) (*domain.ActivityDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.activities[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

// ListActivities implements domain.ActivityStore, newest first.
func (s *Store) ListActivities(_ context.Context, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ActivityDocument, *domain.Cursor, error) {
	s.mu.Lock()
	matched := make([]domain.ActivityDocument, 0, len(s.order))
	for _, id := range s.order {
		doc := s.activities[id]
		if matches(doc, filter) && persistence.Before(cursor, doc.Activity.Timestamp, doc.ID) {
			matched = append(matched, doc)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Activity.Timestamp.Equal(b.Activity.Timestamp) {
			return a.ID > b.ID
		}
		return a.Activity.Timestamp.After(b.Activity.Timestamp)
	})

	if limit <= 0 || len(matched) <= limit {
		return matched, nil, nil
	}
	page := matched[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{Timestamp: last.Activity.Timestamp, ID: last.ID}, nil
}

func matches(doc domain.ActivityDocument, filter domain.ActivityFilter) bool {
	if filter.UserID != "" && doc.Activity.UserID != filter.UserID {
		return false
	}
	if filter.UserEmail != "" && !strings.EqualFold(doc.Activity.UserEmail, filter.UserEmail) {
		return false
	}
	if filter.Since != nil && doc.Activity.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && !doc.Activity.Timestamp.Before(*filter.Until) {
		return false
	}
	return true
}

// UpdateUserTotals implements domain.TotalsStore. The store lock serialises every mutation.
func (s *Store) UpdateUserTotals(_ context.Context, identity string, mutate func(domain.UserTotals) domain.UserTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailTotals != nil {
		return s.FailTotals
	}
	current, ok := s.totals[identity]
	if !ok {
		current = domain.UserTotals{Identity: identity}
	}
	next := mutate(current)
	next.Identity = identity
	s.totals[identity] = next
	return nil
}

// GetUserTotals implements domain.TotalsStore.
func (s *Store) GetUserTotals(_ context.Context, identity string) (*domain.UserTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals, ok := s.totals[identity]
	if !ok {
		return nil, nil
	}
	return &totals, nil
}

// PutCredential stores or replaces the credential for (UserID, Family).
func (s *Store) PutCredential(cred domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.credentials {
		if existing.UserID == cred.UserID && existing.Family == cred.Family {
			s.credentials[i] = cred
			return
		}
	}
	s.credentials = append(s.credentials, cred)
}

// ResolveCredential implements domain.CredentialResolver.
func (s *Store) ResolveCredential(_ context.Context, identity, family string) (*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byEmail := strings.Contains(identity, "@")
	// Exact matches win over case-insensitive e-mail matches.
	for pass := 0; pass < 2; pass++ {
		for _, cred := range s.credentials {
			if cred.Family != family {
				continue
			}
			var match bool
			switch {
			case !byEmail:
				match = pass == 0 && cred.UserID == identity
			case pass == 0:
				match = cred.UserEmail == identity
			default:
				match = strings.EqualFold(cred.UserEmail, identity)
			}
			if match {
				found := cred
				return &found, nil
			}
		}
	}
	return nil, nil
}

// ListIdentities implements domain.CredentialResolver.
func (s *Store) ListIdentities(_ context.Context, family string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.credentials))
	for _, cred := range s.credentials {
		if cred.Family == family {
			ids = append(ids, cred.UserID)
		}
	}
	return ids, nil
}

// Len reports the number of stored activities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activities)
}
