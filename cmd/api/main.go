package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/carbonlens/internal/api"
	"example.com/carbonlens/internal/auth"
	"example.com/carbonlens/internal/config"
	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/outbox"
	"example.com/carbonlens/internal/persistence/postgres"
	"example.com/carbonlens/internal/poller"
	"example.com/carbonlens/internal/providers"
	"example.com/carbonlens/internal/syncengine"
	httptransport "example.com/carbonlens/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()
	dispatcher := outbox.NewDispatcher(pool, producer, outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL), cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	pipeline := ingest.NewPipeline(store)
	registry := providers.Default(
		providers.GoogleOptions{Endpoint: cfg.GoogleAPIEndpoint},
		providers.GraphOptions{BaseURL: cfg.GraphBaseURL},
	)
	engine := syncengine.NewEngine(registry, store, store, pipeline,
		syncengine.WithWorkers(cfg.SyncWorkers),
		syncengine.WithTimeout(cfg.SyncTimeout),
	)
	pollers := startPollers(ctx, cfg, registry, engine, store)

	mux := http.NewServeMux()
	api.NewHandler(pipeline, engine).RegisterRoutes(mux)
	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	requestLog := log.New(log.Writer(), "[http] ", log.LstdFlags)

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.CORS(httptransport.RequestLogger(requestLog, authMiddleware.Wrap(mux))))
	metricsSrv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.MetricsAddress), promhttp.Handler())

	for _, srv := range []*http.Server{server, metricsSrv} {
		go func(srv *http.Server) {
			log.Printf("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server %s: %v", srv.Addr, err)
			}
		}(srv)
	}

	<-ctx.Done()
	log.Println("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{server, metricsSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown %s: %v", srv.Addr, err)
		}
	}
	for _, p := range pollers {
		p.Wait()
	}
	dispatcher.Wait()
}

// startPollers launches one background poller per configured provider.
func startPollers(ctx context.Context, cfg config.Config, registry *providers.Registry, engine *syncengine.Engine, credentials domain.CredentialResolver) []*poller.Poller {
	if !cfg.PollerEnabled {
		return nil
	}
	pollers := make([]*poller.Poller, 0, len(cfg.PollProviders))
	for _, name := range cfg.PollProviders {
		adapter, err := registry.Lookup(domain.Provider(name))
		if err != nil {
			log.Fatalf("poller: %v", err)
		}
		p := poller.New(engine, credentials, poller.Config{
			Provider:    adapter.Provider(),
			Family:      adapter.Family(),
			Interval:    cfg.PollInterval,
			Lookback:    cfg.PollLookback,
			MaxResults:  cfg.PollMaxResults,
			MaxAttempts: cfg.PollMaxAttempts,
			BaseDelay:   cfg.PollBaseDelay,
		})
		go p.Start(ctx)
		pollers = append(pollers, p)
	}
	return pollers
}
