package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQOption configures a DLQManager.
type DLQOption func(*DLQManager)

// WithDLQLogger overrides the replay loop logger.
func WithDLQLogger(logger *log.Logger) DLQOption {
	return func(m *DLQManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// DLQManager replays dead-lettered events into the outbox with exponential backoff
// and quarantines entries that exhausted their retries.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

// NewDLQManager constructs a DLQManager. Non-positive values select 5 retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, opts ...DLQOption) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	m := &DLQManager{
		pool:       pool,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     log.New(log.Writer(), "[dlq] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run calls RunOnce every interval until ctx is cancelled.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requeued, err := m.RunOnce(ctx, batchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Printf("dlq pass failed: %v", err)
		}
		if requeued > 0 {
			m.logger.Printf("requeued %d events", requeued)
		}
	}
}

// RunOnce handles up to batchSize due entries and returns how many were requeued.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := m.due(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	var errs []error
	for _, entry := range entries {
		outcome, err := m.handle(ctx, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("dlq_id=%d: %w", entry.ID, err))
			continue
		}
		recordDLQOutcome(entry, outcome)
		if outcome == dlqRequeued {
			requeued++
		}
	}
	if err := refreshBacklog(ctx, m.pool); err != nil {
		errs = append(errs, err)
	}
	return requeued, errors.Join(errs...)
}

func (m *DLQManager) due(ctx context.Context, limit int) ([]dlqEntry, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
           FROM outbox_dlq
          WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
          ORDER BY created_at
          LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dlqEntry, error) {
		var e dlqEntry
		err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Topic, &e.Payload, &e.Reason, &e.AggregateType, &e.AggregateID, &e.SchemaSubject, &e.PartitionKey, &e.RetryCount)
		return e, err
	})
}

// handle quarantines, requeues or reschedules one entry inside a transaction.
func (m *DLQManager) handle(ctx context.Context, entry dlqEntry) (outcome string, err error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	switch {
	case entry.RetryCount >= m.maxRetries:
		outcome = dlqQuarantined
		_, err = tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			fmt.Sprintf("retry limit %d reached", m.maxRetries), entry.ID)
	default:
		if replayErr := requeue(ctx, tx, entry); replayErr != nil {
			outcome = dlqRescheduled
			_, err = tx.Exec(ctx,
				`UPDATE outbox_dlq
                    SET retry_count = retry_count + 1,
                        last_attempt_at = NOW(),
                        next_retry_at = NOW() + $1::interval,
                        reason = $2
                  WHERE dlq_id = $3`,
				m.backoffDelay(entry.RetryCount+1), replayErr.Error(), entry.ID)
		} else {
			outcome = dlqRequeued
			_, err = tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
		}
	}
	if err != nil {
		return "", err
	}
	return outcome, tx.Commit(ctx)
}

// backoffDelay doubles baseDelay per attempt and never exceeds one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		return time.Hour
	}
	return delay
}

// requeue inserts the entry back into the outbox once its payload still satisfies the event schema.
func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return errors.New("missing schema_subject")
	}
	schema, ok := schemaCatalog[entry.EventType]
	if !ok {
		return fmt.Errorf("no schema for event_type=%s", entry.EventType)
	}
	if err := schema.Validate(entry.Payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload)
	return err
}

type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}
