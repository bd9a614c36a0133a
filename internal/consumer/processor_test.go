package consumer

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/persistence/memory"
)

const telemetryTopic = "extension_activity_raw"

var quiet = WithLogger(log.New(io.Discard, "", 0))

func fastRetry(attempts int) Option { return WithRetry(attempts, time.Millisecond) }

func TestProcessorCommitsIngestedRecords(t *testing.T) {
	payload := []byte(`{"activityType":"browsing","timestamp":"2024-05-01T10:00:00Z"}`)
	reader := &stubReader{messages: []kafka.Message{{
		Topic:  telemetryTopic,
		Offset: 10,
		Time:   time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC),
		Key:    []byte("u-1"),
		Value:  payload,
	}}}
	handler := &stubHandler{}
	before := testutil.ToFloat64(messagesCounter.WithLabelValues(telemetryTopic, outcomeIngested))

	err := NewProcessor(reader, handler, quiet).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, []int64{10}, reader.committed)
	require.Equal(t, "u-1", handler.last.Key)
	require.Zero(t, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
	require.InDelta(t, before+1, testutil.ToFloat64(messagesCounter.WithLabelValues(telemetryTopic, outcomeIngested)), 0.0001)
	require.Equal(t, float64(1714557601), testutil.ToFloat64(lastMessageGauge.WithLabelValues(telemetryTopic)))
}

func TestDecodeMessageStripsSchemaRegistryFraming(t *testing.T) {
	value := append([]byte{0, 0, 0, 0, 42}, []byte(` {"activityType":"email"} `)...)

	decoded, err := decodeMessage(kafka.Message{Topic: telemetryTopic, Value: value})
	require.NoError(t, err)
	require.Equal(t, 42, decoded.SchemaID)
	require.JSONEq(t, `{"activityType":"email"}`, string(decoded.Payload))
	require.False(t, decoded.Timestamp.IsZero())
}

func TestProcessorCommitsMalformedRecords(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		{Topic: telemetryTopic, Offset: 1, Value: []byte(`not json`)},
		{Topic: telemetryTopic, Offset: 2, Value: []byte(`[1,2]`)},
		{Topic: telemetryTopic, Offset: 3, Value: nil},
	}}
	handler := &stubHandler{}
	before := testutil.ToFloat64(messagesCounter.WithLabelValues(telemetryTopic, outcomeMalformed))

	err := NewProcessor(reader, handler, quiet).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, []int64{1, 2, 3}, reader.committed)
	require.InDelta(t, before+3, testutil.ToFloat64(messagesCounter.WithLabelValues(telemetryTopic, outcomeMalformed)), 0.0001)
}

func TestProcessorRetriesTransientFailures(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{{Topic: telemetryTopic, Offset: 20, Value: []byte(`{"activityType":"email"}`)}}}
	handler := &stubHandler{errs: []error{domain.ErrStoreUnavailable, domain.ErrStoreUnavailable}}

	err := NewProcessor(reader, handler, quiet, fastRetry(3)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, []int64{20}, reader.committed)
}

func TestProcessorStopsWithoutCommitWhenRetriesExhausted(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		{Topic: telemetryTopic, Partition: 1, Offset: 20, Value: []byte(`{"activityType":"email"}`)},
		{Topic: telemetryTopic, Partition: 1, Offset: 21, Value: []byte(`{"activityType":"email"}`)},
	}}
	handler := &stubHandler{err: domain.ErrStoreUnavailable}

	err := NewProcessor(reader, handler, quiet, fastRetry(2)).Run(context.Background())
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorContains(t, err, "offset=20")

	require.Equal(t, 2, handler.calls)
	require.Empty(t, reader.committed)
}

func TestProcessorCommitsPermanentRejections(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{{Topic: telemetryTopic, Offset: 30, Value: []byte(`{"activityType":"fax"}`)}}}
	handler := &stubHandler{err: domain.NewValidationError("activityType", "unsupported value fax")}
	before := testutil.ToFloat64(messagesCounter.WithLabelValues(telemetryTopic, outcomeRejected))

	err := NewProcessor(reader, handler, quiet, fastRetry(3)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls, "validation failures are not retried")
	require.Equal(t, []int64{30}, reader.committed)
	require.InDelta(t, before+1, testutil.ToFloat64(messagesCounter.WithLabelValues(telemetryTopic, outcomeRejected)), 0.0001)
}

func TestRunTopicsClosesEveryReader(t *testing.T) {
	var (
		mu     sync.Mutex
		opened = map[string]*stubReader{}
	)
	open := func(topic string) Reader {
		mu.Lock()
		defer mu.Unlock()
		r := &stubReader{messages: []kafka.Message{{Topic: topic, Offset: 1, Value: []byte(`{}`)}}}
		opened[topic] = r
		return r
	}

	err := RunTopics(context.Background(), []string{"a", "b"}, open, &lockedHandler{}, quiet)
	require.NoError(t, err)

	require.Len(t, opened, 2)
	for topic, r := range opened {
		require.True(t, r.closed, topic)
		require.Equal(t, []int64{1}, r.committed, topic)
	}
}

func TestIngestHandlerPersistsTelemetry(t *testing.T) {
	store := memory.NewStore()
	handler := NewIngestHandler(ingest.NewPipeline(store, ingest.WithLogger(log.New(io.Discard, "", 0))))

	err := handler.Handle(context.Background(), Message{
		Topic:   telemetryTopic,
		Payload: []byte(`{"activityType":"meeting","provider":"google_meet","timestamp":"2024-05-01T10:00:00Z","user":{"email":"owner@example.com"},"durationMinutes":30,"participantsCount":3,"hasVideo":true}`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	totals, err := store.GetUserTotals(context.Background(), "owner@example.com")
	require.NoError(t, err)
	require.NotNil(t, totals)
	require.EqualValues(t, 1, totals.ActivityCount)
}

func TestIngestHandlerReportsValidationErrors(t *testing.T) {
	handler := NewIngestHandler(ingest.NewPipeline(memory.NewStore()))

	err := handler.Handle(context.Background(), Message{Payload: []byte(`{"activityType":"fax"}`)})
	require.True(t, domain.IsValidation(err))
	require.True(t, permanent(err))
	require.True(t, permanent(domain.ErrUnknownActivityType))
	require.False(t, permanent(errors.New("dial tcp: refused")))
}

// stubReader replays messages and then reports cancellation.
type stubReader struct {
	messages  []kafka.Message
	index     int
	committed []int64
	closed    bool
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *stubReader) Close() error {
	r.closed = true
	return nil
}

type stubHandler struct {
	calls int
	err   error
	errs  []error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return err
	}
	return h.err
}

type lockedHandler struct {
	mu sync.Mutex
}

func (h *lockedHandler) Handle(context.Context, Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return nil
}
