// Package outbox delivers persisted activity and totals events to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClaimLease sets how long a claimed row is hidden from other dispatchers. Defaults to one minute.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

// Message is one claimed outbox row.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// Dispatcher claims unpublished outbox rows, validates them against the event schemas and
// writes them to Kafka with Schema Registry framing. Undeliverable rows go to outbox_dlq.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	dlq          *DLQWriter
	logger       *log.Logger
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration

	schemaIDs        sync.Map
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		dlq:              NewDLQWriter(pool),
		logger:           log.New(log.Writer(), "[outbox] ", log.LstdFlags|log.Lshortfile),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		claimLease:       time.Minute,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the poll loop until ctx is cancelled. Call it in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("outbox dispatcher error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	claimed, err := d.claim(ctx)
	if err != nil || len(claimed) == 0 {
		return err
	}
	started := time.Now()
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	batches, rejected, err := d.prepare(ctx, claimed)
	if err != nil {
		if releaseErr := d.release(ctx, claimed); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return err
	}

	for _, r := range rejected {
		d.logger.Printf("rejected event_id=%d event_type=%s: %s", r.msg.EventID, r.msg.EventType, r.reason)
		if err := d.moveToDLQ(ctx, []Message{r.msg}, r.reason); err != nil {
			return err
		}
	}
	for _, f := range d.publish(ctx, batches) {
		d.logger.Printf("delivery to %s failed for %d events: %v", f.batch.topic, len(f.batch.sources), f.err)
		if err := d.moveToDLQ(ctx, f.batch.sources, f.err.Error()); err != nil {
			return err
		}
	}
	// Rejected and dead-lettered rows are owned by the DLQ from here on.
	return d.markPublished(ctx, claimed)
}

// claim leases up to batchSize unpublished rows whose previous lease, if any, has expired.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const stmt = `UPDATE outbox SET claimed_at = NOW()
                   WHERE event_id IN (
                       SELECT event_id FROM outbox
                        WHERE published_at IS NULL
                          AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
                        ORDER BY event_id
                        LIMIT $1
                        FOR UPDATE SKIP LOCKED)
               RETURNING event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload`

	rows, err := d.pool.Query(ctx, stmt, d.batchSize, d.claimLease)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &msg.Payload); err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].EventID < claimed[j].EventID })
	return claimed, nil
}

// release drops the lease so the next tick retries the rows.
func (d *Dispatcher) release(ctx context.Context, messages []Message) error {
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET claimed_at = NULL WHERE event_id = ANY($1)`, eventIDs(messages))
	return err
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(messages))
	return err
}

func eventIDs(messages []Message) []int64 {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	return ids
}

type topicBatch struct {
	topic    string
	messages []kafka.Message
	sources  []Message
}

type rejection struct {
	msg    Message
	reason string
}

// prepare validates each message and frames the valid ones into per-topic batches,
// keeping claim order within a topic. A registry error aborts the whole batch.
func (d *Dispatcher) prepare(ctx context.Context, messages []Message) ([]*topicBatch, []rejection, error) {
	var (
		batches  []*topicBatch
		rejected []rejection
	)
	byTopic := make(map[string]*topicBatch)

	for _, msg := range messages {
		entry, ok := schemaCatalog[msg.EventType]
		if !ok {
			rejected = append(rejected, rejection{msg: msg, reason: fmt.Sprintf("no schema for event_type=%s", msg.EventType)})
			continue
		}
		if err := entry.Validate(msg.Payload); err != nil {
			invalidCounter.WithLabelValues(msg.EventType).Inc()
			rejected = append(rejected, rejection{msg: msg, reason: fmt.Sprintf("schema validation failed: %v", err)})
			continue
		}

		schemaID, err := d.schemaID(ctx, msg.SchemaSubject, entry.Schema)
		if err != nil {
			return nil, nil, err
		}

		batch, ok := byTopic[msg.Topic]
		if !ok {
			batch = &topicBatch{topic: msg.Topic}
			byTopic[msg.Topic] = batch
			batches = append(batches, batch)
		}
		batch.messages = append(batch.messages, kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(schemaID, msg.Payload),
			Time:  time.Now().UTC(),
		})
		batch.sources = append(batch.sources, msg)
	}
	return batches, rejected, nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	if cached, ok := d.schemaIDs.Load(subject); ok {
		return cached.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(subject, id)
	return id, nil
}

type deliveryFailure struct {
	batch *topicBatch
	err   error
}

// publish writes every topic batch independently; one topic failing does not hold back the others.
func (d *Dispatcher) publish(ctx context.Context, batches []*topicBatch) []deliveryFailure {
	var failures []deliveryFailure
	for _, batch := range batches {
		if err := d.producer.WriteMessages(ctx, batch.topic, batch.messages...); err != nil {
			failedCounter.WithLabelValues(batch.topic).Add(float64(len(batch.messages)))
			failures = append(failures, deliveryFailure{batch: batch, err: err})
			continue
		}
		deliveredCounter.WithLabelValues(batch.topic).Add(float64(len(batch.messages)))
	}
	return failures
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		if err := d.dlq.Write(ctx, msg, reason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return nil
}

// encodeWireFormat prefixes payload with the Confluent magic byte and schema id.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// DecodeWireFormat strips Confluent framing, returning the schema id and JSON body.
// Unframed payloads are returned unchanged with a zero schema id.
func DecodeWireFormat(value []byte) (int, []byte) {
	if len(value) < 5 || value[0] != 0 {
		return 0, value
	}
	return int(binary.BigEndian.Uint32(value[1:5])), value[5:]
}
