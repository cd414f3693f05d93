package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pressroom/realtime/internal/notify"
	"github.com/pressroom/realtime/internal/presence"
	"github.com/pressroom/realtime/internal/server"
	"github.com/pressroom/realtime/internal/session"
	"github.com/pressroom/realtime/internal/store"
)

func main() {
	serverConfig := server.DefaultConfig()
	sessionConfig := session.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		serverConfig.ListenAddr = addr
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.WriteTimeout = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sessionConfig.IdleTimeout = d
		}
	}
	if v := os.Getenv("SESSION_LINGER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sessionConfig.Linger = d
		}
	}

	cleanupInterval := 1 * time.Minute
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cleanupInterval = d
		}
	}

	// --- PostgreSQL ---
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/pressroom?sslmode=disable"
	}
	pg, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := pg.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- NATS ---
	notifyConfig := notify.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		notifyConfig.URL = natsURL
	}
	notifyClient, err := notify.NewClient(notifyConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	presenceStore, err := presence.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	log.Printf("Pressroom session coordinator starting")
	log.Printf("  listen_addr:      %s", serverConfig.ListenAddr)
	log.Printf("  idle_timeout:     %s", sessionConfig.IdleTimeout)
	log.Printf("  session_linger:   %s", sessionConfig.Linger)
	log.Printf("  cleanup_interval: %s", cleanupInterval)
	log.Printf("  nats_url:         %s", notifyConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)

	dispatcher := session.NewDispatcher(sessionConfig, session.Deps{
		Store:    pg,
		Notifier: notifyClient,
		Presence: presenceStore,
	})

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.StartCleanup(ctx, cleanupInterval)

	srv := server.New(serverConfig, dispatcher)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %s, shutting down", sig)
		cancel()
		if err := srv.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		notifyClient.Close()
		_ = presenceStore.Close()
		_ = pg.Close()
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
