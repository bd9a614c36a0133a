package syncengine

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/persistence/memory"
	"example.com/carbonlens/internal/providers"
)

const fakeIDField = "gmail_message_id"

type fakeAdapter struct {
	events   map[string][]string
	pageSize int
	failIDs  map[string]bool
	listErr  error
	delay    time.Duration

	fetches  atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (a *fakeAdapter) Provider() domain.Provider { return domain.ProviderGmail }
func (a *fakeAdapter) Family() string { return domain.FamilyGoogle }
func (a *fakeAdapter) ExternalIDField() string { return fakeIDField }

func (a *fakeAdapter) Open(_ context.Context, cred domain.Credential) (providers.Session, error) {
	return &fakeSession{adapter: a, cred: cred}, nil
}

type fakeSession struct {
	adapter *fakeAdapter
	cred    domain.Credential
}

func (s *fakeSession) Passes() []string { return []string{providers.PassOutbound, providers.PassInbound} }

func (s *fakeSession) List(_ context.Context, pass string, _ time.Time, pageToken string, _ int) (providers.Page, error) {
	if s.adapter.listErr != nil {
		return providers.Page{}, s.adapter.listErr
	}
	ids := s.adapter.events[pass]
	start := 0
	if pageToken != "" {
		for i, id := range ids {
			if id == pageToken {
				start = i
			}
		}
	}
	end := start + s.adapter.pageSize
	page := providers.Page{}
	if end < len(ids) {
		page.NextPageToken = ids[end]
	} else {
		end = len(ids)
	}
	for _, id := range ids[start:end] {
		page.Refs = append(page.Refs, providers.EventRef{ID: id, Pass: pass})
	}
	return page, nil
}

func (s *fakeSession) Fetch(_ context.Context, ref providers.EventRef) (domain.RawPayload, error) {
	a := s.adapter
	a.fetches.Add(1)
	current := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		peak := a.peak.Load()
		if current <= peak || a.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.failIDs[ref.ID] {
		return nil, &domain.ProviderAPIError{Provider: "gmail", StatusCode: 500, Body: "boom"}
	}
	return domain.RawPayload{
		"activityType": "email",
		"provider":     "gmail",
		"direction":    ref.Pass,
		"user_email":   s.cred.UserEmail,
		"metadata":     map[string]any{fakeIDField: ref.ID},
	}, nil
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + string(rune('a'+i))
	}
	return out
}

type fixture struct {
	store   *memory.Store
	adapter *fakeAdapter
	engine  *Engine
}

func newFixture(t *testing.T, adapter *fakeAdapter, opts ...Option) fixture {
	t.Helper()
	store := memory.NewStore()
	store.PutCredential(domain.Credential{UserID: "u-1", UserEmail: "owner@example.com", Family: domain.FamilyGoogle, AccessToken: "tok", Expiry: time.Now().Add(time.Hour)})
	logger := log.New(io.Discard, "", 0)
	pipeline := ingest.NewPipeline(store, ingest.WithLogger(logger))
	opts = append([]Option{WithLogger(logger)}, opts...)
	engine := NewEngine(providers.NewRegistry(adapter), store, store, pipeline, opts...)
	return fixture{store: store, adapter: adapter, engine: engine}
}

func TestSyncProcessesAllPassesAndPages(t *testing.T) {
	adapter := &fakeAdapter{pageSize: 2, events: map[string][]string{
		providers.PassOutbound: ids("o", 5),
		providers.PassInbound:  ids("i", 3),
	}}
	f := newFixture(t, adapter)

	summary, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, 8, summary.Found)
	require.Equal(t, 8, summary.Processed)
	require.Equal(t, 0, summary.Skipped)
	require.Equal(t, PassSummary{Found: 5, Processed: 5}, *summary.Passes[providers.PassOutbound])
	require.Equal(t, PassSummary{Found: 3, Processed: 3}, *summary.Passes[providers.PassInbound])
	require.Equal(t, 8, f.store.Len())

	totals, err := f.store.GetUserTotals(context.Background(), "owner@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(8), totals.ActivityCount)
}

func TestSyncTwiceDeduplicatesByExternalID(t *testing.T) {
	adapter := &fakeAdapter{pageSize: 10, events: map[string][]string{
		providers.PassOutbound: ids("o", 4),
	}}
	f := newFixture(t, adapter)

	first, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, 4, first.Processed)

	adapter.events[providers.PassOutbound] = append(ids("o", 4), "ox", "oy")
	second, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "owner@example.com", time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, 6, second.Found)
	require.Equal(t, 2, second.Processed)
	require.Equal(t, 4, second.Skipped)
	require.Equal(t, 6, f.store.Len())
	require.Equal(t, int32(6), adapter.fetches.Load(), "already persisted events are not refetched")
}

func TestSyncRespectsMaxResultsAndWorkerBound(t *testing.T) {
	adapter := &fakeAdapter{pageSize: 7, delay: 5 * time.Millisecond, events: map[string][]string{
		providers.PassOutbound: ids("o", 20),
	}}
	f := newFixture(t, adapter)

	summary, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 12)
	require.NoError(t, err)
	require.Equal(t, 12, summary.Found)
	require.Equal(t, 12, summary.Processed)
	require.LessOrEqual(t, adapter.peak.Load(), int32(MaxWorkers))

	adapter = &fakeAdapter{pageSize: 10, delay: 5 * time.Millisecond, events: map[string][]string{
		providers.PassOutbound: ids("o", 10),
	}}
	f = newFixture(t, adapter)
	_, err = f.engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 3)
	require.NoError(t, err)
	require.LessOrEqual(t, adapter.peak.Load(), int32(3))
}

func TestSyncIsolatesPerEventFailures(t *testing.T) {
	adapter := &fakeAdapter{pageSize: 10, failIDs: map[string]bool{"ob": true}, events: map[string][]string{
		providers.PassOutbound: ids("o", 3),
	}}
	f := newFixture(t, adapter, WithWorkers(1))

	summary, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Found)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Skipped)
}

func TestSyncAbortsOnListFailure(t *testing.T) {
	listErr := &domain.ProviderAPIError{Provider: "gmail", StatusCode: 403, Body: "forbidden"}
	f := newFixture(t, &fakeAdapter{pageSize: 1, listErr: listErr})

	_, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 10)
	var apiErr *domain.ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 403, apiErr.StatusCode)
}

func TestSyncCredentialFailures(t *testing.T) {
	f := newFixture(t, &fakeAdapter{pageSize: 1})

	_, err := f.engine.Sync(context.Background(), domain.ProviderGmail, "nobody@example.com", time.Hour, 10)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	f.store.PutCredential(domain.Credential{UserID: "u-2", UserEmail: "stale@example.com", Family: domain.FamilyGoogle, Expiry: time.Now().Add(-time.Minute)})
	_, err = f.engine.Sync(context.Background(), domain.ProviderGmail, "STALE@example.com", time.Hour, 10)
	require.ErrorIs(t, err, domain.ErrTokenExpired)

	_, err = f.engine.Sync(context.Background(), domain.ProviderOutlook, "u-1", time.Hour, 10)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

type racingIngester struct {
	mu    sync.Mutex
	calls int
}

func (r *racingIngester) Ingest(context.Context, domain.RawPayload, ...ingest.IngestOption) (ingest.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return ingest.Result{}, domain.ErrDuplicateExternalID
}

func TestSyncCountsLostInsertRaceAsSkipped(t *testing.T) {
	adapter := &fakeAdapter{pageSize: 10, events: map[string][]string{providers.PassOutbound: ids("o", 2)}}
	store := memory.NewStore()
	store.PutCredential(domain.Credential{UserID: "u-1", Family: domain.FamilyGoogle})
	ingester := &racingIngester{}
	engine := NewEngine(providers.NewRegistry(adapter), store, store, ingester, WithLogger(log.New(io.Discard, "", 0)))

	summary, err := engine.Sync(context.Background(), domain.ProviderGmail, "u-1", time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Processed)
	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 2, ingester.calls)
}

func TestClampWorkers(t *testing.T) {
	require.Equal(t, 1, clampWorkers(0))
	require.Equal(t, 4, clampWorkers(4))
	require.Equal(t, MaxWorkers, clampWorkers(64))
}
