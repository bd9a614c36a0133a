// Package postgres implements the activity document store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/events"
	"example.com/carbonlens/internal/observability"
)

const uniqueViolation = "23505"

// Store provides Postgres-backed persistence for activities, user totals and outbox events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const activityColumns = `activity_id, activity_type, provider, occurred_at, platform, mode, extension_version,
        COALESCE(user_id, ''), COALESCE(user_email, ''), payload, metadata, emission_kg, raw_payload,
        external_id_field, external_id, created_at, updated_at`

// FindByExternalID returns the activity recorded for a provider event id, or nil.
func (s *Store) FindByExternalID(ctx context.Context, field, value string) (*domain.ActivityDocument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+activityColumns+`
        FROM activities WHERE external_id_field=$1 AND external_id=$2`, field, value)
	doc, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &doc, nil
}

// InsertActivity persists the document and its activity.recorded outbox event in one transaction.
func (s *Store) InsertActivity(ctx context.Context, doc domain.ActivityDocument) (id string, err error) {
	payload, err := json.Marshal(doc.Activity.Payload)
	if err != nil {
		return "", err
	}
	metadata, err := json.Marshal(nonNilMap(doc.Activity.Metadata))
	if err != nil {
		return "", err
	}
	var externalField, externalID any
	if doc.External != nil {
		externalField, externalID = doc.External.Field, doc.External.Value
	}
	var raw any
	if len(doc.RawPayload) > 0 {
		raw = []byte(doc.RawPayload)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", unavailable(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const insertActivity = `INSERT INTO activities (activity_id, activity_type, provider, occurred_at, platform, mode, extension_version,
            user_id, user_email, payload, metadata, emission_kg, raw_payload, external_id_field, external_id, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	a := doc.Activity
	_, err = tx.Exec(ctx, insertActivity,
		doc.ID,
		string(a.ActivityType),
		string(a.Provider),
		a.Timestamp,
		a.Platform,
		a.Mode,
		a.ExtensionVersion,
		nullIfEmpty(a.UserID),
		nullIfEmpty(a.UserEmail),
		payload,
		metadata,
		doc.EmissionKg,
		raw,
		externalField,
		externalID,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", domain.ErrDuplicateExternalID
		}
		return "", unavailable(err)
	}

	event := events.ActivityRecorded{
		ActivityID:   doc.ID,
		ActivityType: string(a.ActivityType),
		Provider:     string(a.Provider),
		UserID:       a.UserID,
		UserEmail:    a.UserEmail,
		OccurredAt:   a.Timestamp,
		EmissionKg:   doc.EmissionKg,
		Mode:         a.Mode,
	}
	if doc.External != nil {
		event.ExternalID = doc.External.Value
	}
	if err = insertOutbox(ctx, tx, "activity", doc.ID, events.TypeActivityRecorded, partitionKey(a), doc.ID+":"+events.TypeActivityRecorded, event); err != nil {
		return "", unavailable(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", unavailable(err)
	}
	observability.RecordActivityPersisted(doc.UpdatedAt)
	return doc.ID, nil
}

// GetActivity retrieves an activity by id, or nil.
func (s *Store) GetActivity(ctx context.Context, id string) (*domain.ActivityDocument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id=$1`, id)
	doc, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &doc, nil
}

// ListActivities returns activities newest first with keyset pagination.
func (s *Store) ListActivities(ctx context.Context, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ActivityDocument, *domain.Cursor, error) {
	clauses := []string{"TRUE"}
	args := []any{limit}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.UserEmail != "" {
		add("lower(user_email) = lower($%d)", filter.UserEmail)
	}
	if filter.Since != nil {
		add("occurred_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("occurred_at < $%d", *filter.Until)
	}
	if cursor != nil {
		args = append(args, cursor.Timestamp, cursor.ID)
		clauses = append(clauses, fmt.Sprintf("(occurred_at, activity_id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + activityColumns + ` FROM activities WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY occurred_at DESC, activity_id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, unavailable(err)
	}
	defer rows.Close()

	results := make([]domain.ActivityDocument, 0, limit)
	for rows.Next() {
		doc, err := scanActivity(rows)
		if err != nil {
			return nil, nil, unavailable(err)
		}
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, unavailable(err)
	}

	var next *domain.Cursor
	if len(results) == limit && limit > 0 {
		last := results[len(results)-1]
		next = &domain.Cursor{Timestamp: last.Activity.Timestamp, ID: last.ID}
	}
	return results, next, nil
}

// UpdateUserTotals locks the identity's totals row, applies mutate and records the outcome in the outbox.
// The row is created first so concurrent first writers serialise on the same lock.
func (s *Store) UpdateUserTotals(ctx context.Context, identity string, mutate func(domain.UserTotals) domain.UserTotals) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `INSERT INTO user_totals (identity) VALUES ($1) ON CONFLICT (identity) DO NOTHING`, identity); err != nil {
		return unavailable(err)
	}

	current := domain.UserTotals{Identity: identity}
	var lastActivity *time.Time
	row := tx.QueryRow(ctx, `SELECT COALESCE(user_id, ''), COALESCE(email, ''), total_emission_kg, activity_count, last_activity_at, updated_at
        FROM user_totals WHERE identity=$1 FOR UPDATE`, identity)
	if err = row.Scan(&current.UserID, &current.Email, &current.TotalEmissionKg, &current.ActivityCount, &lastActivity, &current.UpdatedAt); err != nil {
		return unavailable(err)
	}
	if lastActivity != nil {
		current.LastActivityAt = *lastActivity
	}

	next := mutate(current)
	if _, err = tx.Exec(ctx, `UPDATE user_totals
            SET user_id=$2, email=$3, total_emission_kg=$4, activity_count=$5, last_activity_at=$6, updated_at=$7
          WHERE identity=$1`,
		identity,
		nullIfEmpty(next.UserID),
		nullIfEmpty(next.Email),
		next.TotalEmissionKg,
		next.ActivityCount,
		nullTime(next.LastActivityAt),
		next.UpdatedAt,
	); err != nil {
		return unavailable(err)
	}

	event := events.UserTotalsAccumulated{
		Identity:        identity,
		TotalEmissionKg: next.TotalEmissionKg,
		ActivityCount:   next.ActivityCount,
		LastActivityAt:  next.LastActivityAt,
		UpdatedAt:       next.UpdatedAt,
	}
	dedupeKey := fmt.Sprintf("%s:%d", identity, next.ActivityCount)
	if err = insertOutbox(ctx, tx, "user_totals", identity, events.TypeUserTotalsAccumulated, identity, dedupeKey, event); err != nil {
		return unavailable(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetUserTotals returns the totals for identity, or nil.
func (s *Store) GetUserTotals(ctx context.Context, identity string) (*domain.UserTotals, error) {
	totals := domain.UserTotals{Identity: identity}
	var lastActivity *time.Time
	row := s.pool.QueryRow(ctx, `SELECT COALESCE(user_id, ''), COALESCE(email, ''), total_emission_kg, activity_count, last_activity_at, updated_at
        FROM user_totals WHERE identity=$1`, identity)
	if err := row.Scan(&totals.UserID, &totals.Email, &totals.TotalEmissionKg, &totals.ActivityCount, &lastActivity, &totals.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	if lastActivity != nil {
		totals.LastActivityAt = *lastActivity
	}
	return &totals, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, key, dedupeKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt, aggregateType, aggregateID, eventType, meta.Topic, meta.SchemaSubject, key, body, dedupeKey)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (domain.ActivityDocument, error) {
	var (
		doc                       domain.ActivityDocument
		activityType, provider    string
		payload, metadata, raw    []byte
		externalField, externalID *string
	)
	a := &doc.Activity
	if err := row.Scan(&doc.ID, &activityType, &provider, &a.Timestamp, &a.Platform, &a.Mode, &a.ExtensionVersion,
		&a.UserID, &a.UserEmail, &payload, &metadata, &doc.EmissionKg, &raw,
		&externalField, &externalID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return doc, err
	}
	a.ActivityType = domain.ActivityType(activityType)
	a.Provider = domain.Provider(provider)
	a.Timestamp = a.Timestamp.UTC()

	decoded, err := domain.DecodePayload(a.ActivityType, payload)
	if err != nil {
		return doc, err
	}
	a.Payload = decoded
	a.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return doc, err
		}
	}
	if len(raw) > 0 {
		doc.RawPayload = json.RawMessage(raw)
	}
	if externalField != nil && externalID != nil {
		doc.External = &domain.ExternalRef{Field: *externalField, Value: *externalID}
	}
	return doc, nil
}

func partitionKey(a domain.NormalizedActivity) string {
	if identity := a.Identity(); identity != "" {
		return identity
	}
	return string(a.Provider)
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeActivityRecorded: {
		Topic:         events.TopicActivities,
		SchemaSubject: events.TopicActivities + "-value",
	},
	events.TypeUserTotalsAccumulated: {
		Topic:         events.TopicUserTotals,
		SchemaSubject: events.TopicUserTotals + "-value",
	},
}
