// Package syncengine pulls provider events into the ingestion pipeline with a bounded worker pool.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/observability"
	"example.com/carbonlens/internal/providers"
)

const (
	// MaxWorkers caps concurrent per-event fetches within one sync call.
	MaxWorkers = 8
	// DefaultMaxResults applies when a caller passes a non-positive cap.
	DefaultMaxResults = 100
)

// Ingester persists one raw payload.
type Ingester interface {
	Ingest(ctx context.Context, raw domain.RawPayload, opts ...ingest.IngestOption) (ingest.Result, error)
}

// PassSummary counts events for one list pass.
type PassSummary struct {
	Found     int `json:"found"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// Summary aggregates a sync call across its passes.
type Summary struct {
	Provider  domain.Provider         `json:"provider"`
	Found     int                     `json:"found"`
	Processed int                     `json:"processed"`
	Skipped   int                     `json:"skipped"`
	Passes    map[string]*PassSummary `json:"passes"`
}

// Option configures optional behaviour for the Engine.
type Option func(*Engine)

// WithLogger overrides the logger used for per-event failures.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithWorkers sets the worker pool size, clamped to [1, MaxWorkers].
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = clampWorkers(n)
	}
}

// WithTimeout bounds the wall-clock time of a sync call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithClock overrides the clock used to compute the sync window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine runs provider syncs.
type Engine struct {
	registry    *providers.Registry
	credentials domain.CredentialResolver
	store       domain.ActivityStore
	ingester    Ingester
	workers     int
	timeout     time.Duration
	logger      *log.Logger
	now         func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(registry *providers.Registry, credentials domain.CredentialResolver, store domain.ActivityStore, ingester Ingester, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		credentials: credentials,
		store:       store,
		ingester:    ingester,
		workers:     MaxWorkers,
		logger:      log.New(log.Writer(), "[sync] ", log.LstdFlags|log.Lshortfile),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync imports events for identity from provider over the trailing window, at most maxResults per pass.
// Only credential and list failures are returned; per-event failures are counted as skipped.
func (e *Engine) Sync(ctx context.Context, provider domain.Provider, identity string, window time.Duration, maxResults int) (Summary, error) {
	started := time.Now()
	summary := Summary{Provider: provider, Passes: map[string]*PassSummary{}}

	adapter, err := e.registry.Lookup(provider)
	if err != nil {
		return summary, err
	}
	summary.Provider = adapter.Provider()
	defer observability.ObserveSync(string(summary.Provider), started)

	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cred, err := e.credentials.ResolveCredential(ctx, identity, adapter.Family())
	if err != nil {
		return summary, err
	}
	if cred == nil {
		return summary, fmt.Errorf("%w: %s (%s)", domain.ErrUnauthenticated, identity, adapter.Family())
	}
	if cred.Expired(e.now()) {
		return summary, fmt.Errorf("%w: %s (%s)", domain.ErrTokenExpired, identity, adapter.Family())
	}

	session, err := adapter.Open(ctx, *cred)
	if err != nil {
		return summary, err
	}

	since := e.now().Add(-window)
	for _, pass := range session.Passes() {
		refs, err := e.collect(ctx, session, pass, since, maxResults)
		if err != nil {
			return summary, fmt.Errorf("%s %s list: %w", summary.Provider, pass, err)
		}
		passSummary := &PassSummary{Found: len(refs)}
		summary.Passes[pass] = passSummary
		e.process(ctx, adapter, session, refs, maxResults, passSummary)

		summary.Found += passSummary.Found
		summary.Processed += passSummary.Processed
		summary.Skipped += passSummary.Skipped
	}
	return summary, nil
}

// collect pages sequentially until the provider is exhausted or maxResults refs are gathered.
func (e *Engine) collect(ctx context.Context, session providers.Session, pass string, since time.Time, maxResults int) ([]providers.EventRef, error) {
	refs := make([]providers.EventRef, 0)
	pageToken := ""
	for len(refs) < maxResults {
		page, err := session.List(ctx, pass, since, pageToken, maxResults-len(refs))
		if err != nil {
			return nil, err
		}
		for _, ref := range page.Refs {
			if len(refs) == maxResults {
				break
			}
			refs = append(refs, ref)
		}
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			break
		}
		pageToken = page.NextPageToken
	}
	return refs, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
)

// process fans refs out over the worker pool and folds the outcomes into counts.
func (e *Engine) process(ctx context.Context, adapter providers.Adapter, session providers.Session, refs []providers.EventRef, maxResults int, counts *PassSummary) {
	if len(refs) == 0 {
		return
	}
	workers := e.workers
	if workers > maxResults {
		workers = maxResults
	}
	if workers > len(refs) {
		workers = len(refs)
	}

	jobs := make(chan providers.EventRef)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range jobs {
				result := e.handleEvent(ctx, adapter, session, ref)
				mu.Lock()
				if result == outcomeProcessed {
					counts.Processed++
				} else {
					counts.Skipped++
				}
				mu.Unlock()
			}
		}()
	}
	for _, ref := range refs {
		jobs <- ref
	}
	close(jobs)
	wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, adapter providers.Adapter, session providers.Session, ref providers.EventRef) outcome {
	provider := string(adapter.Provider())
	field := adapter.ExternalIDField()

	existing, err := e.store.FindByExternalID(ctx, field, ref.ID)
	if err != nil {
		e.logger.Printf("dedup lookup failed provider=%s %s=%s: %v", provider, field, ref.ID, err)
		observability.RecordSyncEvent(provider, "failed")
		return outcomeSkipped
	}
	if existing != nil {
		observability.RecordSyncEvent(provider, "skipped")
		return outcomeSkipped
	}

	raw, err := session.Fetch(ctx, ref)
	if err != nil {
		e.logger.Printf("fetch failed provider=%s %s=%s: %v", provider, field, ref.ID, err)
		observability.RecordSyncEvent(provider, "failed")
		return outcomeSkipped
	}

	if _, err := e.ingester.Ingest(ctx, raw, ingest.WithExternalID(field)); err != nil {
		if errors.Is(err, domain.ErrDuplicateExternalID) {
			observability.RecordSyncEvent(provider, "skipped")
			return outcomeSkipped
		}
		e.logger.Printf("ingest failed provider=%s %s=%s: %v", provider, field, ref.ID, err)
		observability.RecordSyncEvent(provider, "failed")
		return outcomeSkipped
	}
	observability.RecordSyncEvent(provider, "processed")
	return outcomeProcessed
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
