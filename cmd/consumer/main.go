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
	"github.com/segmentio/kafka-go"

	"example.com/carbonlens/internal/config"
	"example.com/carbonlens/internal/consumer"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/persistence/postgres"
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

	metricsSrv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.MetricsAddress), promhttp.Handler())
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	openReader := func(topic string) consumer.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.KafkaBrokers,
			GroupID:        cfg.ConsumerGroupID,
			Topic:          topic,
			MinBytes:       1e3,
			MaxBytes:       10e6,
			MaxWait:        time.Second,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: time.Second,
		})
	}
	handler := consumer.NewIngestHandler(ingest.NewPipeline(postgres.NewStore(pool)))

	log.Printf("consumer started group=%s topics=%v", cfg.ConsumerGroupID, cfg.ConsumerTopics)
	if err := consumer.RunTopics(ctx, cfg.ConsumerTopics, openReader, handler); err != nil {
		log.Printf("consumer stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}
