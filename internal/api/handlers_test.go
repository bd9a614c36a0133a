package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/carbonlens/internal/auth"
	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/persistence/memory"
	"example.com/carbonlens/internal/syncengine"
)

type fixture struct {
	store  *memory.Store
	syncer *stubSyncer
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	syncer := &stubSyncer{}
	mux := http.NewServeMux()
	NewHandler(ingest.NewPipeline(store), syncer).RegisterRoutes(mux)
	return &fixture{store: store, syncer: syncer, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path string, body any, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if scopes != nil {
		granted := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			granted[s] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{
			Subject:   "u-1",
			Scopes:    granted,
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestCreateActivity(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/activities", map[string]any{
		"activityType":    "meeting",
		"provider":        "google_meet",
		"timestamp":       "2024-05-01T10:00:00Z",
		"user":            map[string]any{"id": "u-1", "email": "owner@example.com"},
		"durationMinutes": 60,
		"hasVideo":        true,
	}, auth.ScopeActivitiesWrite)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	require.NotEmpty(t, body["activity_id"])
	require.InDelta(t, 1.6, body["emission_kg"], 1e-9)

	rr = f.do(t, http.MethodGet, "/v1/activities/"+body["activity_id"].(string), nil, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decodeBody(t, rr)
	require.Equal(t, "meeting", view["activity_type"])
	require.Equal(t, float64(60), view["payload"].(map[string]any)["duration_minutes"])
}

func TestCreateActivityErrors(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/activities", map[string]any{"activityType": "email"})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/activities", map[string]any{"activityType": "email"}, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/activities", "[1,2]", auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", decodeBody(t, rr)["type"])

	rr = f.do(t, http.MethodPost, "/v1/activities", map[string]any{"timestamp": "2024-05-01"}, auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decodeBody(t, rr)["type"])

	f.store.FailInsert = fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	rr = f.do(t, http.MethodPost, "/v1/activities", map[string]any{"activityType": "browsing"}, auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "store_unavailable", decodeBody(t, rr)["type"])
}

func TestListActivitiesAndTotals(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rr := f.do(t, http.MethodPost, "/v1/activities", map[string]any{
			"activityType": "email",
			"timestamp":    fmt.Sprintf("2024-05-0%dT10:00:00Z", i+1),
			"user_email":   "Owner@Example.com",
			"recipients":   []string{"a@example.com"},
		}, auth.ScopeActivitiesWrite)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	rr := f.do(t, http.MethodGet, "/v1/activities?user_email=owner@example.com&limit=2", nil, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)
	var page ListActivitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	require.True(t, page.Items[0].Timestamp.After(page.Items[1].Timestamp))

	rr = f.do(t, http.MethodGet, "/v1/activities?user_email=owner@example.com&limit=2&cursor="+page.NextCursor, nil, auth.ScopeActivitiesRead)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)

	rr = f.do(t, http.MethodGet, "/v1/activities", nil, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/activities?user_id=u-1&cursor=bm9wZQ", nil, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/users/Owner@Example.com/totals", nil, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)
	totals := decodeBody(t, rr)
	require.Equal(t, float64(3), totals["activity_count"])

	rr = f.do(t, http.MethodGet, "/v1/users/nobody/totals", nil, auth.ScopeActivitiesRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(0), decodeBody(t, rr)["activity_count"])
}

func TestSyncProvider(t *testing.T) {
	f := newFixture(t)
	f.syncer.summary = syncengine.Summary{Provider: domain.ProviderGmail, Found: 4, Processed: 3, Skipped: 1}

	rr := f.do(t, http.MethodPost, "/v1/sync/gmail", map[string]any{"user": "owner@example.com", "days_back": 0.5, "max_results": 20}, auth.ScopeSyncWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	require.Equal(t, float64(3), body["processed"])
	require.Equal(t, "owner@example.com", f.syncer.identity)
	require.Equal(t, 12*time.Hour, f.syncer.window)
	require.Equal(t, 20, f.syncer.maxResults)

	rr = f.do(t, http.MethodPost, "/v1/sync/outlook", nil, auth.ScopeSyncWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "u-1", f.syncer.identity, "defaults to the token subject")
	require.Equal(t, 30*24*time.Hour, f.syncer.window)
	require.Equal(t, defaultSyncMaxResults, f.syncer.maxResults)

	rr = f.do(t, http.MethodPost, "/v1/sync/gmail", map[string]any{"since": "soon"}, auth.ScopeSyncWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/sync/gmail", nil, auth.ScopeActivitiesWrite)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSyncProviderErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
		flag   string
	}{
		{"unauthenticated", fmt.Errorf("%w: no credential", domain.ErrUnauthenticated), http.StatusUnauthorized, "unauthenticated", "needs_reauth"},
		{"expired", domain.ErrTokenExpired, http.StatusUnauthorized, "token_expired", "needs_refresh"},
		{"provider", &domain.ProviderAPIError{Provider: "gmail", StatusCode: 403, Body: "insufficient permissions"}, http.StatusBadGateway, "provider_error", ""},
		{"unknown provider", fmt.Errorf("%w: fax", domain.ErrUnknownProvider), http.StatusNotFound, "unknown_provider", ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, "server_error", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.syncer.err = tc.err

			rr := f.do(t, http.MethodPost, "/v1/sync/gmail", map[string]any{"since": "15m"}, auth.ScopeSyncWrite)
			require.Equal(t, tc.status, rr.Code)
			body := decodeBody(t, rr)
			require.Equal(t, tc.typ, body["type"])
			if tc.flag != "" {
				require.Equal(t, true, body[tc.flag])
			}
			if tc.typ == "provider_error" {
				require.Equal(t, "insufficient permissions", body["detail"])
			}
		})
	}
}

func TestCoefficientsAndHealth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/emissions/coefficients", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Contains(t, body, "email")
	require.Contains(t, body, "meeting")

	rr = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

type stubSyncer struct {
	summary    syncengine.Summary
	err        error
	identity   string
	window     time.Duration
	maxResults int
}

func (s *stubSyncer) Sync(_ context.Context, provider domain.Provider, identity string, window time.Duration, maxResults int) (syncengine.Summary, error) {
	s.identity, s.window, s.maxResults = identity, window, maxResults
	if s.err != nil {
		return syncengine.Summary{}, s.err
	}
	return s.summary, nil
}

func TestSyncWindowCapsDaysBack(t *testing.T) {
	huge := 1e12
	window, err := SyncRequest{DaysBack: &huge}.Window()
	require.NoError(t, err)
	require.Equal(t, time.Duration(maxSyncDays)*24*time.Hour, window)

	half := 0.5
	window, err = SyncRequest{DaysBack: &half}.Window()
	require.NoError(t, err)
	require.Equal(t, 12*time.Hour, window)

	window, err = SyncRequest{Since: "72h", DaysBack: &huge}.Window()
	require.NoError(t, err)
	require.Equal(t, 72*time.Hour, window)

	window, err = SyncRequest{}.Window()
	require.NoError(t, err)
	require.Equal(t, time.Duration(defaultSyncDays)*24*time.Hour, window)
}
