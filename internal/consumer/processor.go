// Package consumer feeds extension telemetry published on Kafka into the ingestion pipeline.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/outbox"
)

// Reader is the part of *kafka.Reader the processor drives.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded telemetry.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is one decoded telemetry record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Key       string
	SchemaID  int
	Payload   json.RawMessage
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetry sets how often a retryable handler failure is attempted and the first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if baseDelay > 0 {
			p.baseDelay = baseDelay
		}
	}
}

// Processor fetches telemetry from one reader and commits each offset once the handler
// accepted or permanently rejected the record.
type Processor struct {
	reader    Reader
	handler   Handler
	logger    *log.Logger
	attempts  int
	baseDelay time.Duration
}

// NewProcessor constructs a Processor. Retryable failures are attempted 3 times starting at 500ms.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:    reader,
		handler:   handler,
		logger:    log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lshortfile),
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records until ctx is cancelled or a record keeps failing with a retryable error.
// In the latter case the offset stays uncommitted and the error is returned so the group
// redelivers the record after a restart.
func (p *Processor) Run(ctx context.Context) error {
	for {
		raw, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch failed: %v", err)
			continue
		}

		msg, err := decodeMessage(raw)
		if err != nil {
			p.logger.Printf("dropping malformed record topic=%s partition=%d offset=%d: %v", raw.Topic, raw.Partition, raw.Offset, err)
			record(raw.Topic, outcomeMalformed)
			p.commit(ctx, raw)
			continue
		}

		switch err := p.handle(ctx, msg); {
		case err == nil:
			record(msg.Topic, outcomeIngested)
			lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
		case permanent(err):
			p.logger.Printf("rejected telemetry topic=%s offset=%d: %v", msg.Topic, msg.Offset, err)
			record(msg.Topic, outcomeRejected)
		default:
			return fmt.Errorf("topic=%s partition=%d offset=%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		p.commit(ctx, raw)
	}
}

func (p *Processor) handle(ctx context.Context, msg Message) error {
	delay := p.baseDelay
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.handler.Handle(ctx, msg); err == nil || permanent(err) {
			return err
		}
		if attempt == p.attempts {
			break
		}
		record(msg.Topic, outcomeRetried)
		p.logger.Printf("retrying topic=%s offset=%d attempt=%d: %v", msg.Topic, msg.Offset, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (p *Processor) commit(ctx context.Context, raw kafka.Message) {
	if err := p.reader.CommitMessages(ctx, raw); err != nil {
		p.logger.Printf("commit failed topic=%s offset=%d: %v", raw.Topic, raw.Offset, err)
	}
}

// permanent reports whether redelivering the message could never succeed.
func permanent(err error) bool {
	return domain.IsValidation(err) || errors.Is(err, domain.ErrUnknownActivityType)
}

// decodeMessage accepts plain JSON objects as published by the extension and
// Schema Registry framed values as published by other producers.
func decodeMessage(raw kafka.Message) (Message, error) {
	schemaID, body := outbox.DecodeWireFormat(raw.Value)
	body = bytes.TrimSpace(body)
	switch {
	case len(body) == 0:
		return Message{}, errors.New("empty payload")
	case body[0] != '{' || !json.Valid(body):
		return Message{}, fmt.Errorf("payload is not a JSON object (%d bytes)", len(body))
	}

	ts := raw.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Timestamp: ts.UTC(),
		Key:       string(raw.Key),
		SchemaID:  schemaID,
		Payload:   append(json.RawMessage(nil), body...),
	}, nil
}

// RunTopics runs one Processor per topic on readers from open and waits for all of them.
// The first processor to fail cancels the others.
func RunTopics(ctx context.Context, topics []string, open func(topic string) Reader, handler Handler, opts ...Option) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		reader := open(topic)
		g.Go(func() error {
			defer reader.Close()
			err := NewProcessor(reader, handler, opts...).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
