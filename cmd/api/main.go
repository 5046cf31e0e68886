package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tosgate/internal/app"
	"tosgate/internal/authpw"
	"tosgate/internal/config"
	"tosgate/internal/events"
	"tosgate/internal/gitrepo"
	"tosgate/internal/session"
	"tosgate/internal/storage/acceptbolt"
	"tosgate/internal/store"
	"tosgate/internal/tos"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Deps{
		Store:     dataStore,
		Docs:      gitrepo.New(cfg.ReposDir),
		Passwords: authpw.NewService(dataStore),
	}

	acceptances, acceptanceCloser, err := openAcceptances(cfg, dataStore)
	if err != nil {
		log.Fatalf("acceptance store: %v", err)
	}
	defer acceptanceCloser.Close()
	deps.Acceptances = acceptances

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh tokens and the terms session cache")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore.WithUserLookup(dataStore.GetUserByID)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	if strings.TrimSpace(cfg.NATSURL) != "" {
		publisher, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalf("nats connection failed: %v", err)
		}
		defer publisher.Close()
		deps.Publisher = publisher
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("tosgate API listening on %s (terms document %q)", cfg.Addr, cfg.Terms.DocumentID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openAcceptances(cfg config.Config, dataStore *store.PostgresStore) (tos.AcceptanceStore, io.Closer, error) {
	if cfg.Terms.AcceptanceBackend == "bolt" {
		log.Printf("Using bbolt at %s for terms acceptances", cfg.Terms.BoltPath)
		boltStore, err := acceptbolt.Open(cfg.Terms.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return boltStore.Document(cfg.Terms.DocumentID), boltStore, nil
	}
	return dataStore.AcceptanceStore(cfg.Terms.DocumentID), nopCloser{}, nil
}
