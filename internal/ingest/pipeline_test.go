package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/emissions"
	"example.com/carbonlens/internal/persistence/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(store domain.Store, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return NewPipeline(store, WithLogger(logger), WithClock(func() time.Time { return testNow }))
}

func TestIngestPersistsActivityAndTotals(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)

	res, err := pipeline.Ingest(context.Background(), domain.RawPayload{
		"activityType":    "email",
		"recipients":      []any{"a@example.com", "b@example.com", "c@example.com"},
		"attachmentBytes": float64(1_000_000),
		"user":            map[string]any{"id": "user-1", "email": "Owner@Example.com"},
		"timestamp":       "2025-05-30T10:00:00Z",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ActivityID)
	require.InDelta(t, 0.0459, res.EmissionKg, 1e-9)

	doc, err := pipeline.GetActivity(context.Background(), res.ActivityID)
	require.NoError(t, err)
	require.Equal(t, domain.ActivityEmail, doc.Activity.ActivityType)
	require.Equal(t, res.EmissionKg, doc.EmissionKg)
	require.NotEmpty(t, doc.RawPayload)
	require.Nil(t, doc.External)

	totals, err := pipeline.UserTotals(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.ActivityCount)
	require.InDelta(t, 0.0459, totals.TotalEmissionKg, 1e-9)
	require.Equal(t, "Owner@Example.com", totals.Email)
	require.Equal(t, time.Date(2025, 5, 30, 10, 0, 0, 0, time.UTC), totals.LastActivityAt)
}

func TestIngestValidationPersistsNothing(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)

	_, err := pipeline.Ingest(context.Background(), domain.RawPayload{"provider": "gmail"})
	require.True(t, domain.IsValidation(err))
	require.Zero(t, store.Len())
}

func TestIngestStoreFailureFailsRequest(t *testing.T) {
	store := memory.NewStore()
	store.FailInsert = fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	pipeline := newTestPipeline(store, nil)

	_, err := pipeline.Ingest(context.Background(), domain.RawPayload{"activityType": "browsing", "user_email": "a@b.io"})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestIngestTotalsFailureIsSwallowed(t *testing.T) {
	store := memory.NewStore()
	store.FailTotals = errors.New("transaction aborted")
	var buf bytes.Buffer
	pipeline := newTestPipeline(store, log.New(&buf, "", 0))

	res, err := pipeline.Ingest(context.Background(), domain.RawPayload{"activityType": "browsing", "user_email": "a@b.io", "durationMinutes": float64(10)})
	require.NoError(t, err)
	require.NotEmpty(t, res.ActivityID)
	require.Equal(t, 1, store.Len())
	require.Contains(t, buf.String(), "user totals update failed")
}

func TestIngestWithoutIdentitySkipsTotalsAndWarns(t *testing.T) {
	store := memory.NewStore()
	var buf bytes.Buffer
	pipeline := newTestPipeline(store, log.New(&buf, "", 0))

	_, err := pipeline.Ingest(context.Background(), domain.RawPayload{"activityType": "meeting", "durationMinutes": float64(60)})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "data quality")

	totals, err := store.GetUserTotals(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, totals)
}

func TestIngestPushIsNotDeduplicated(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)
	raw := domain.RawPayload{"activityType": "email", "user_email": "dup@example.com"}

	first, err := pipeline.Ingest(context.Background(), raw)
	require.NoError(t, err)
	second, err := pipeline.Ingest(context.Background(), raw)
	require.NoError(t, err)
	require.NotEqual(t, first.ActivityID, second.ActivityID)
	require.Equal(t, 2, store.Len())
}

func TestIngestExternalIDUniqueness(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)
	raw := domain.RawPayload{
		"activityType": "email",
		"provider":     "gmail",
		"metadata":     map[string]any{"gmail_message_id": "m-1", "account_email": "a@b.io"},
	}

	_, err := pipeline.Ingest(context.Background(), raw, WithExternalID("gmail_message_id"))
	require.NoError(t, err)
	_, err = pipeline.Ingest(context.Background(), raw, WithExternalID("gmail_message_id"))
	require.ErrorIs(t, err, domain.ErrDuplicateExternalID)

	found, err := store.FindByExternalID(context.Background(), "gmail_message_id", "m-1")
	require.NoError(t, err)
	require.NotNil(t, found)

	_, err = pipeline.Ingest(context.Background(), domain.RawPayload{"activityType": "email"}, WithExternalID("gmail_message_id"))
	require.True(t, domain.IsValidation(err))
}

func TestIngestDropsOversizedRawPayload(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)

	res, err := pipeline.Ingest(context.Background(), domain.RawPayload{
		"activityType": "email",
		"bodyPreview":  strings.Repeat("x", 1_000_000),
	})
	require.NoError(t, err)
	doc, err := pipeline.GetActivity(context.Background(), res.ActivityID)
	require.NoError(t, err)
	require.Nil(t, doc.RawPayload)
}

func TestConcurrentIngestAccumulatesTotals(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)

	const n = 40
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sum float64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pipeline.Ingest(context.Background(), domain.RawPayload{
				"activityType":    "browsing",
				"user_email":      "busy@example.com",
				"durationMinutes": float64(i + 1),
			})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			sum += res.EmissionKg
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	totals, err := pipeline.UserTotals(context.Background(), "busy@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(n), totals.ActivityCount)
	require.InDelta(t, emissions.Round(sum), totals.TotalEmissionKg, 1e-6)
}

func TestIngestOutOfRangeNumbersNeverLowerTotals(t *testing.T) {
	store := memory.NewStore()
	pipeline := newTestPipeline(store, nil)
	ctx := context.Background()
	user := map[string]any{"id": "u1"}

	res, err := pipeline.Ingest(ctx, domain.RawPayload{
		"activityType": "meeting", "durationMinutes": float64(60), "hasVideo": true, "user": user,
	})
	require.NoError(t, err)
	require.InDelta(t, 1.6, res.EmissionKg, 1e-9)

	hostile := []domain.RawPayload{
		{"activityType": "meeting", "durationMinutes": float64(-600), "hasVideo": true, "user": user},
		{"activityType": "meeting", "durationMinutes": float64(60), "participantsCount": float64(0), "user": user},
		{"activityType": "email", "attachmentBytes": float64(1e30), "user": user},
		{"activityType": "storage", "sizeMb": float64(-1e6), "totalStorageGb": float64(-10), "daysStored": float64(365), "user": user},
		{"activityType": "browsing", "durationMinutes": float64(-1e12), "user": user},
	}
	previous := 1.6
	for i, raw := range hostile {
		res, err := pipeline.Ingest(ctx, raw)
		require.NoError(t, err, "payload %d", i)
		require.GreaterOrEqual(t, res.EmissionKg, 0.0, "payload %d", i)

		totals, err := pipeline.UserTotals(ctx, "u1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, totals.TotalEmissionKg, previous, "payload %d", i)
		previous = totals.TotalEmissionKg
	}

	totals, err := pipeline.UserTotals(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(6), totals.ActivityCount)
	require.InDelta(t, 1.6+1.6+0.0003, totals.TotalEmissionKg, 1e-9)
}

func TestGetActivityNotFound(t *testing.T) {
	pipeline := newTestPipeline(memory.NewStore(), nil)
	_, err := pipeline.GetActivity(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
}
