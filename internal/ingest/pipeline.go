// Package ingest runs the normalize, estimate, persist, accumulate sequence for one activity.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/emissions"
	"example.com/carbonlens/internal/normalize"
	"example.com/carbonlens/internal/observability"
	"example.com/carbonlens/internal/persistence"
)

// Result is returned for every successfully persisted activity.
type Result struct {
	ActivityID string  `json:"activity_id"`
	EmissionKg float64 `json:"emission_kg"`
}

// Option configures optional behaviour for the Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the logger used for data-quality and totals warnings.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
		p.normalizer.Now = now
	}
}

// Pipeline ingests raw activity payloads into a Store.
type Pipeline struct {
	store      domain.Store
	normalizer *normalize.Normalizer
	logger     *log.Logger
	now        func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(store domain.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		normalizer: normalize.New(),
		logger:     log.New(log.Writer(), "[ingest] ", log.LstdFlags|log.Lshortfile),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestOption adjusts a single Ingest call.
type IngestOption func(*ingestConfig)

type ingestConfig struct {
	externalField string
}

// WithExternalID marks the activity as provider-originated, keyed by metadata[field].
// A store uniqueness hit on that key surfaces as domain.ErrDuplicateExternalID.
func WithExternalID(field string) IngestOption {
	return func(c *ingestConfig) {
		c.externalField = field
	}
}

// Ingest normalizes raw, estimates its emission, persists the document and then folds
// the emission into the owner's UserTotals. A totals failure is logged, never returned.
func (p *Pipeline) Ingest(ctx context.Context, raw domain.RawPayload, opts ...IngestOption) (Result, error) {
	var cfg ingestConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	activity, err := p.normalizer.Normalize(raw)
	if err != nil {
		observability.RecordIngestFailure("normalize")
		return Result{}, err
	}
	if activity.UserEmail == "" {
		observability.RecordMissingEmail()
		p.logger.Printf("data quality: activity without user email activity_type=%s provider=%s user_id=%q", activity.ActivityType, activity.Provider, activity.UserID)
	}

	emissionKg, err := emissions.ForActivity(activity)
	if err != nil {
		observability.RecordIngestFailure("estimate")
		return Result{}, err
	}

	now := p.now().UTC()
	doc := domain.ActivityDocument{
		ID:         uuid.NewString(),
		Activity:   activity,
		EmissionKg: emissionKg,
		RawPayload: encodeRaw(raw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if cfg.externalField != "" {
		value := fmt.Sprint(activity.Metadata[cfg.externalField])
		if activity.Metadata[cfg.externalField] == nil || value == "" {
			return Result{}, domain.NewValidationError("metadata."+cfg.externalField, "missing external id")
		}
		doc.External = &domain.ExternalRef{Field: cfg.externalField, Value: value}
	}

	id, err := p.store.InsertActivity(ctx, doc)
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateExternalID) {
			observability.RecordIngestFailure("persist")
		}
		return Result{}, err
	}
	observability.RecordActivityIngested(string(activity.ActivityType), string(activity.Provider), emissionKg, now)

	if identity := activity.Identity(); identity != "" {
		if err := p.store.UpdateUserTotals(ctx, identity, accumulate(activity, emissionKg, now)); err != nil {
			observability.RecordIngestFailure("totals")
			p.logger.Printf("user totals update failed identity=%s activity_id=%s: %v", identity, id, err)
		}
	}

	return Result{ActivityID: id, EmissionKg: emissionKg}, nil
}

func accumulate(activity domain.NormalizedActivity, emissionKg float64, now time.Time) func(domain.UserTotals) domain.UserTotals {
	return func(current domain.UserTotals) domain.UserTotals {
		current.TotalEmissionKg = emissions.Round(current.TotalEmissionKg + emissionKg)
		current.ActivityCount++
		if activity.Timestamp.After(current.LastActivityAt) {
			current.LastActivityAt = activity.Timestamp
		}
		if activity.UserID != "" {
			current.UserID = activity.UserID
		}
		if activity.UserEmail != "" {
			current.Email = activity.UserEmail
		}
		current.UpdatedAt = now
		return current
	}
}

func encodeRaw(raw domain.RawPayload) json.RawMessage {
	body, err := json.Marshal(raw)
	if err != nil || len(body) >= persistence.MaxRawPayloadBytes {
		return nil
	}
	return body
}

// GetActivity fetches a stored activity by id.
func (p *Pipeline) GetActivity(ctx context.Context, id string) (*domain.ActivityDocument, error) {
	doc, err := p.store.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.ErrActivityNotFound
	}
	return doc, nil
}

// ListActivities lists activities newest first with cursor pagination.
func (p *Pipeline) ListActivities(ctx context.Context, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ActivityDocument, *domain.Cursor, error) {
	return p.store.ListActivities(ctx, filter, cursor, limit)
}

// UserTotals returns the running totals for identity, or a zero record if none exist yet.
func (p *Pipeline) UserTotals(ctx context.Context, identity string) (domain.UserTotals, error) {
	totals, err := p.store.GetUserTotals(ctx, identity)
	if err != nil {
		return domain.UserTotals{}, err
	}
	if totals == nil {
		return domain.UserTotals{Identity: identity}, nil
	}
	return *totals, nil
}
