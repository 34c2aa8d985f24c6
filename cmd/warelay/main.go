// ABOUTME: Entry point for the warelay bridge server
// ABOUTME: Wires store, supervisor, bot pipeline, hub and admin surface; serves until signalled

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/2389/warelay/internal/auth"
	"github.com/2389/warelay/internal/bot"
	"github.com/2389/warelay/internal/buffer"
	"github.com/2389/warelay/internal/config"
	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/export"
	"github.com/2389/warelay/internal/httpadmin"
	"github.com/2389/warelay/internal/hub"
	"github.com/2389/warelay/internal/media"
	"github.com/2389/warelay/internal/mediacache"
	"github.com/2389/warelay/internal/outbox"
	"github.com/2389/warelay/internal/policy"
	"github.com/2389/warelay/internal/rbac"
	"github.com/2389/warelay/internal/registry"
	"github.com/2389/warelay/internal/session"
	"github.com/2389/warelay/internal/store"
	"github.com/2389/warelay/internal/waclient"
)

// getConfigPath returns the path to the config file.
// Priority: WARELAY_CONFIG env var > ./warelay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARELAY_CONFIG"); envPath != "" {
		return envPath
	}
	return "warelay.yaml"
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Logging)
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	rbacSvc := rbac.New(st, logger)
	reg := registry.New(st, logger)

	bus := event.NewBus(logger)
	defer bus.Close()

	cache := mediacache.New(0)
	defer cache.Close()

	sup := session.NewSupervisor(waclient.New, bus, cache, reg, cfg.Sessions.AuthDir, logger)

	policies := policy.New(st, 0, logger)
	blobs := media.NewFSStore(cfg.Media.Root, cfg.Media.Bucket)

	buffers := buffer.NewManager(buffer.Config{
		Debounce:       cfg.Bot.Debounce,
		HardCap:        cfg.Bot.HardCap,
		GCIdle:         cfg.Bot.GCIdle,
		FinalizerWords: cfg.Bot.Finalizers,
		Explicit: buffer.ExplicitConfig{
			VoicePhrases: cfg.Bot.VoicePhrases,
			TextPhrases:  cfg.Bot.TextPhrases,
		},
	}, policies, sup, blobs, st, logger)
	defer buffers.Close()

	watcher := outbox.NewWatcher(st, policies, sup, 0, logger)
	defer watcher.Close()

	go bot.Run(ctx, bus, buffers, watcher, logger)

	h := hub.New(verifier, rbacSvc, bus, logger)
	go h.Run(ctx)

	if cfg.Export.AMQPURL != "" {
		publisher, err := export.NewPublisher(cfg.Export.AMQPURL, cfg.Export.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connecting event export: %w", err)
		}
		defer publisher.Close()
		go publisher.Run(ctx, bus)
	}

	if n, err := sup.RestoreAllFromFS(ctx); err != nil {
		logger.Warn("session restore failed", "error", err)
	} else if n > 0 {
		logger.Info("restored persisted sessions", "count", n)
	}

	admin := httpadmin.New(verifier, rbacSvc, sup, st, policies, h, logger)
	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: admin.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	sup.Close(shutdownCtx)
	return nil
}
