package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/aggregate"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/config"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/consumer"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/fetch"
	persistence "github.com/Rimpei-Qdai/strava-stas-web-app/internal/persistence/postgres"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/strava"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)

	endpoints := strava.Endpoints{
		AuthorizeURL: cfg.StravaAuthorizeURL,
		TokenURL:     cfg.StravaTokenURL,
		APIBaseURL:   cfg.StravaAPIBaseURL,
		RedirectURI:  cfg.RedirectURI,
	}

	engine := aggregate.NewEngine(
		aggregate.WithPageSize(cfg.PageSize),
		aggregate.WithBatchSize(cfg.BatchSize),
		aggregate.WithBatchPause(cfg.BatchPause),
	)

	clients := fetch.NewStravaClientFactory(endpoints, repo.UpsertCredential, nil)
	// The worker runs jobs to completion, so it never publishes continuations.
	orchestrator := fetch.NewOrchestrator(engine, clients, repo, repo, repo, nil, cfg.SeasonStart)

	handler := consumer.NewFetchHandler(orchestrator, nil)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	go func() {
		log.Printf("worker metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroup,
		Topic:           cfg.FetchTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})

	proc := consumer.NewProcessor(reader, handler)

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reader.Close()

		log.Printf("worker started (topic=%s, group=%s)", cfg.FetchTopic, cfg.ConsumerGroup)
		if err := proc.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("worker stopped with error: %v", err)
		}
	}()

	<-stop
	log.Println("worker shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	wg.Wait()
}
