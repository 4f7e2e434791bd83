package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"verbatim/api/internal/analysis"
	"verbatim/api/internal/app"
	"verbatim/api/internal/blob"
	"verbatim/api/internal/config"
	"verbatim/api/internal/jobs"
	"verbatim/api/internal/presence"
	"verbatim/api/internal/realtime"
	"verbatim/api/internal/search"
	"verbatim/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	bus, err := realtime.NewBus(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer bus.Close()

	presenceStore, err := presence.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("presence store failed: %v", err)
	}
	defer presenceStore.Close()

	broadcaster := presence.NewBroadcaster(presenceStore, bus)
	go broadcaster.Run(ctx)

	analyzer := analysis.New(cfg.AnalysisURL, cfg.AnalysisTimeout)

	orchestrator := jobs.New(dataStore, analyzer, bus, jobs.Options{
		Workers:    cfg.JobWorkers,
		QueueDepth: cfg.JobQueueDepth,
	})

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := blob.New(ctx, blob.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage failed: %v", err)
		}
		orchestrator.WithBlobs(blobs)
	} else {
		log.Printf("MINIO_ENDPOINT not set, artifact storage disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		orchestrator.WithIndexer(meiliClient)
	}

	// Start blocks until shutdown, so the worker pool runs alongside the
	// HTTP server rather than in front of it.
	go func() {
		if err := orchestrator.Start(ctx); err != nil {
			log.Printf("job orchestrator stopped: %v", err)
		}
	}()

	// A typed nil *search.Meili must not reach the service as a non-nil
	// interface.
	var service *app.Service
	if meiliClient != nil {
		service = app.NewService(dataStore, orchestrator, presenceStore, broadcaster, bus, meiliClient, cfg.JWTSecret, cfg.AccessTTL, cfg.TicketTTL)
	} else {
		service = app.NewService(dataStore, orchestrator, presenceStore, broadcaster, bus, nil, cfg.JWTSecret, cfg.AccessTTL, cfg.TicketTTL)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Verbatim API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
