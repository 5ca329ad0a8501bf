package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/aggregate"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/api"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/auth"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/config"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/fetch"
	persistence "github.com/Rimpei-Qdai/strava-stas-web-app/internal/persistence/postgres"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/strava"
	httptransport "github.com/Rimpei-Qdai/strava-stas-web-app/internal/transport/http"
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

	queue := fetch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.FetchTopic)
	defer queue.Close()

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
	orchestrator := fetch.NewOrchestrator(engine, clients, repo, repo, repo, queue, cfg.SeasonStart,
		fetch.WithBudget(cfg.FetchBudget))

	states := auth.NewStateSigner(cfg.StateSecret, cfg.StateTTL)

	handler := api.NewHandler(repo, repo, repo, orchestrator, states, endpoints, cfg.DashboardURL, nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Simple CORS middleware for local dev
	cors := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.FetchBudget + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}, logger(cors(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("strava-stats api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
