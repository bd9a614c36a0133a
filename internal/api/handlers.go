// Package api exposes HTTP handlers for activity ingestion, provider sync and reporting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/carbonlens/internal/auth"
	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/emissions"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/persistence"
	"example.com/carbonlens/internal/syncengine"
)

const (
	defaultListLimit = 50
	maxListLimit     = 2000

	defaultSyncDays       = 30
	maxSyncDays           = 3650
	defaultSyncMaxResults = 100

	maxBodyBytes = 4 << 20
)

// Ingestion is the subset of the ingestion pipeline used by the handlers.
type Ingestion interface {
	Ingest(ctx context.Context, raw domain.RawPayload, opts ...ingest.IngestOption) (ingest.Result, error)
	GetActivity(ctx context.Context, id string) (*domain.ActivityDocument, error)
	ListActivities(ctx context.Context, filter domain.ActivityFilter, cursor *domain.Cursor, limit int) ([]domain.ActivityDocument, *domain.Cursor, error)
	UserTotals(ctx context.Context, identity string) (domain.UserTotals, error)
}

// Syncer runs a provider sync for one identity.
type Syncer interface {
	Sync(ctx context.Context, provider domain.Provider, identity string, window time.Duration, maxResults int) (syncengine.Summary, error)
}

// Handler coordinates HTTP requests with the ingestion pipeline and sync engine.
type Handler struct {
	ingestion Ingestion
	syncer    Syncer
}

// NewHandler builds a Handler.
func NewHandler(ingestion Ingestion, syncer Syncer) *Handler {
	return &Handler{ingestion: ingestion, syncer: syncer}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/activities", h.createActivity)
	mux.HandleFunc("GET /v1/activities", h.listActivities)
	mux.HandleFunc("GET /v1/activities/{id}", h.getActivity)
	mux.HandleFunc("POST /v1/sync/{provider}", h.syncProvider)
	mux.HandleFunc("GET /v1/users/{identity}/totals", h.userTotals)
	mux.HandleFunc("GET /v1/emissions/coefficients", h.coefficients)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeActivitiesWrite); !ok {
		return
	}

	var raw domain.RawPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	result, err := h.ingestion.Ingest(r.Context(), raw)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite); !ok {
		return
	}

	doc, err := h.ingestion.GetActivity(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrActivityNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "activity not found")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*doc))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite); !ok {
		return
	}

	query := r.URL.Query()
	filter := domain.ActivityFilter{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		UserEmail: strings.TrimSpace(query.Get("user_email")),
	}
	if filter.UserID == "" && filter.UserEmail == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_id or user_email parameter is required")
		return
	}

	for name, target := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		value := query.Get(name)
		if value == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", name+" must be an RFC3339 timestamp")
			return
		}
		*target = &parsed
	}

	limit := defaultListLimit
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	docs, next, err := h.ingestion.ListActivities(r.Context(), filter, cursor, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]ActivityView, 0, len(docs))
	for _, doc := range docs {
		items = append(items, toActivityView(doc))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) syncProvider(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	var req SyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	}

	identity := strings.TrimSpace(req.User)
	if identity == "" {
		identity = claims.Subject
	}
	window, err := req.Window()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = defaultSyncMaxResults
	}

	provider := domain.Provider(strings.ToLower(r.PathValue("provider")))
	summary, err := h.syncer.Sync(r.Context(), provider, identity, window, maxResults)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, "unknown_provider", err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) userTotals(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite); !ok {
		return
	}

	totals, err := h.ingestion.UserTotals(r.Context(), r.PathValue("identity"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTotalsView(totals))
}

func (h *Handler) coefficients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, emissions.CoefficientTable())
}

// requireScope checks the bearer claims carry at least one of scopes.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// SyncRequest is the payload for POST /v1/sync/{provider}.
type SyncRequest struct {
	User       string   `json:"user"`
	Since      string   `json:"since"`
	DaysBack   *float64 `json:"days_back"`
	MaxResults int      `json:"max_results"`
}

// Window resolves the lookback window. Since wins over days_back; fractional days are accepted.
func (r SyncRequest) Window() (time.Duration, error) {
	if r.Since != "" {
		d, err := time.ParseDuration(r.Since)
		if err != nil || d <= 0 {
			return 0, errors.New("since must be a positive duration such as 15m or 72h")
		}
		return d, nil
	}
	if r.DaysBack != nil {
		if *r.DaysBack <= 0 {
			return 0, errors.New("days_back must be positive")
		}
		days := min(*r.DaysBack, maxSyncDays)
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return defaultSyncDays * 24 * time.Hour, nil
}

// ActivityView exposes full details about an activity.
type ActivityView struct {
	ActivityID       string              `json:"activity_id"`
	ActivityType     domain.ActivityType `json:"activity_type"`
	Provider         domain.Provider     `json:"provider"`
	Timestamp        time.Time           `json:"timestamp"`
	Platform         string              `json:"platform"`
	Mode             string              `json:"mode"`
	ExtensionVersion string              `json:"extension_version"`
	UserID           string              `json:"user_id,omitempty"`
	UserEmail        string              `json:"user_email,omitempty"`
	Payload          domain.Payload      `json:"payload"`
	Metadata         map[string]any      `json:"metadata"`
	EmissionKg       float64             `json:"emission_kg"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// TotalsView is the response body for the totals endpoint.
type TotalsView struct {
	Identity        string     `json:"identity"`
	TotalEmissionKg float64    `json:"total_emission_kg"`
	ActivityCount   int64      `json:"activity_count"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// writeDomainError maps the domain error taxonomy onto HTTP responses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation  *domain.ValidationError
		providerErr *domain.ProviderAPIError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.Is(err, domain.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"type":          "token_expired",
			"detail":        err.Error(),
			"needs_refresh": true,
		})
	case errors.Is(err, domain.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"type":         "unauthenticated",
			"detail":       err.Error(),
			"needs_reauth": true,
		})
	case errors.As(err, &providerErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"type":        "provider_error",
			"detail":      providerErr.Body,
			"provider":    providerErr.Provider,
			"status_code": providerErr.StatusCode,
		})
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(doc domain.ActivityDocument) ActivityView {
	a := doc.Activity
	return ActivityView{
		ActivityID:       doc.ID,
		ActivityType:     a.ActivityType,
		Provider:         a.Provider,
		Timestamp:        a.Timestamp,
		Platform:         a.Platform,
		Mode:             a.Mode,
		ExtensionVersion: a.ExtensionVersion,
		UserID:           a.UserID,
		UserEmail:        a.UserEmail,
		Payload:          a.Payload,
		Metadata:         a.Metadata,
		EmissionKg:       doc.EmissionKg,
		CreatedAt:        doc.CreatedAt,
	}
}

func toTotalsView(t domain.UserTotals) TotalsView {
	view := TotalsView{
		Identity:        t.Identity,
		TotalEmissionKg: t.TotalEmissionKg,
		ActivityCount:   t.ActivityCount,
	}
	if !t.LastActivityAt.IsZero() {
		view.LastActivityAt = &t.LastActivityAt
	}
	if !t.UpdatedAt.IsZero() {
		view.UpdatedAt = &t.UpdatedAt
	}
	return view
}
