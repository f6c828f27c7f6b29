package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arbor/api/internal/app"
	"arbor/api/internal/assets"
	"arbor/api/internal/authpw"
	"arbor/api/internal/collab"
	"arbor/api/internal/config"
	"arbor/api/internal/email"
	"arbor/api/internal/history"
	"arbor/api/internal/search"
	"arbor/api/internal/session"
	"arbor/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	authService := authpw.NewService(dataStore)
	historyService := history.New(cfg.HistoryDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var refreshSessions interface {
		SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
		LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
		RevokeRefreshSession(ctx context.Context, tokenHash string) error
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		refreshSessions = redisStore
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
		refreshSessions = app.PGRefreshSessions{Store: dataStore}
	}

	var emailService *email.Service
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		emailService = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	var assetService *assets.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assetService, err = assets.New(ctx, assets.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
	}

	// The flush func is bound after construction: rooms persist through the
	// service, and the service hands rooms out to joiners.
	var service *app.Service
	registry := collab.NewRegistry(collab.Options{
		FlushInterval: cfg.FlushInterval,
		IdleTTL:       cfg.RoomIdleTTL,
		PresenceTTL:   cfg.PresenceTTL,
		Flush: func(ctx context.Context, documentID string, content []byte) error {
			return service.PersistRoomContent(ctx, documentID, content)
		},
	})
	defer registry.Close()

	service = app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: refreshSessions,
		Identity: authService,
		Auth:     authService,
		Search:   searchService,
		History:  historyService,
		Assets:   assetService,
		Email:    emailService,
		Rooms:    registry,
	})
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
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
		log.Printf("Arbor API listening on %s", cfg.Addr)
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
