// Package poller periodically syncs every connected mail account to keep ingestion latency bounded.
package poller

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/syncengine"
)

// Syncer runs one provider sync.
type Syncer interface {
	Sync(ctx context.Context, provider domain.Provider, identity string, window time.Duration, maxResults int) (syncengine.Summary, error)
}

// IdentityLister enumerates identities with a stored credential.
type IdentityLister interface {
	ListIdentities(ctx context.Context, family string) ([]string, error)
}

// Config holds the poll schedule and retry policy.
type Config struct {
	Provider    domain.Provider
	Family      string
	Interval    time.Duration
	Lookback    time.Duration
	MaxResults  int
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig polls Gmail every minute over a 16 minute window.
func DefaultConfig() Config {
	return Config{
		Provider:    domain.ProviderGmail,
		Family:      domain.FamilyGoogle,
		Interval:    60 * time.Second,
		Lookback:    16 * time.Minute,
		MaxResults:  50,
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
	}
}

// Option configures optional behaviour for the Poller.
type Option func(*Poller)

// WithLogger overrides the logger used for per-identity failures.
func WithLogger(logger *log.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithSleep overrides how the poller waits between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Poller) {
		p.sleep = sleep
	}
}

// Poller drives recurring syncs for every identity.
type Poller struct {
	syncer           Syncer
	identities       IdentityLister
	cfg              Config
	logger           *log.Logger
	sleep            func(context.Context, time.Duration) error
	shutdownComplete chan struct{}
}

// PassResult summarises one pass over all identities.
type PassResult struct {
	Identities int
	Succeeded  int
	Failed     int
	Processed  int
}

// New constructs a Poller. Zero config fields take DefaultConfig values.
func New(syncer Syncer, identities IdentityLister, cfg Config, opts ...Option) *Poller {
	defaults := DefaultConfig()
	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}
	if cfg.Family == "" {
		cfg.Family = defaults.Family
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaults.Lookback
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaults.MaxResults
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	p := &Poller{
		syncer:           syncer,
		identities:       identities,
		cfg:              cfg,
		logger:           log.New(log.Writer(), "[poller] ", log.LstdFlags|log.Lshortfile),
		sleep:            sleepContext,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs passes until ctx is cancelled. It should be called in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(p.shutdownComplete)
	}()

	for {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Printf("poll pass error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (p *Poller) Wait() {
	<-p.shutdownComplete
}

// RunOnce syncs every identity sequentially. One identity's failure never stops the pass.
func (p *Poller) RunOnce(ctx context.Context) (PassResult, error) {
	var result PassResult
	identities, err := p.identities.ListIdentities(ctx, p.cfg.Family)
	if err != nil {
		return result, err
	}
	result.Identities = len(identities)

	for _, identity := range identities {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summary, err := p.syncIdentity(ctx, identity)
		if err != nil {
			result.Failed++
			if isAuthError(err) {
				identitySyncCounter.WithLabelValues("unauthenticated").Inc()
			} else {
				identitySyncCounter.WithLabelValues("failed").Inc()
			}
			p.logger.Printf("identity sync failed provider=%s identity=%s: %v", p.cfg.Provider, identity, err)
			continue
		}
		result.Succeeded++
		result.Processed += summary.Processed
		identitySyncCounter.WithLabelValues("success").Inc()
	}

	passCounter.Inc()
	lastPassGauge.Set(float64(time.Now().Unix()))
	return result, nil
}

// syncIdentity retries transient failures with capped exponential backoff.
func (p *Poller) syncIdentity(ctx context.Context, identity string) (syncengine.Summary, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		summary, err := p.syncer.Sync(ctx, p.cfg.Provider, identity, p.cfg.Lookback, p.cfg.MaxResults)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.cfg.MaxAttempts {
			break
		}
		retryCounter.Inc()
		if sleepErr := p.sleep(ctx, p.backoffDelay(attempt)); sleepErr != nil {
			return syncengine.Summary{}, sleepErr
		}
	}
	return syncengine.Summary{}, lastErr
}

// backoffDelay doubles from BaseDelay and never exceeds the poll interval.
func (p *Poller) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * p.cfg.BaseDelay
	if delay > p.cfg.Interval {
		delay = p.cfg.Interval
	}
	return delay
}

func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrUnauthenticated) || errors.Is(err, domain.ErrTokenExpired)
}

func retryable(err error) bool {
	if isAuthError(err) || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrUnknownProvider) {
		return false
	}
	var apiErr *domain.ProviderAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
