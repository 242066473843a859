package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/blackmichael/selfquotes-feed/internal/config"
	"github.com/blackmichael/selfquotes-feed/internal/domain"
	"github.com/blackmichael/selfquotes-feed/internal/firehose"
	"github.com/blackmichael/selfquotes-feed/internal/httpserver"
	"github.com/blackmichael/selfquotes-feed/internal/identity"
	"github.com/blackmichael/selfquotes-feed/internal/memindex"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogFormat)

	// The index is volatile: it is rebuilt from the live stream on every
	// restart.
	index := memindex.New()

	resolver := identity.NewResolver(identity.Config{
		PLCDirectoryURL: cfg.PLCDirectoryURL,
		AppViewURL:      cfg.AppViewURL,
		PrimaryTimeout:  cfg.ResolverTimeout,
		FallbackTimeout: cfg.ResolverFallbackTimeout,
		NegativeTTL:     cfg.ResolverNegativeTTL,
	}, logger)

	feedConfigs := []domain.FeedConfig{
		domain.NewSelfQuotesFeedConfig(cfg.PublisherDID),
	}
	feedService, err := domain.NewFeedService(feedConfigs, index, logger)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the firehose subscriber in the background
	subscriber := firehose.NewSubscriber(cfg.FirehoseURL, cfg.ReconnectDelay, feedService, resolver, index, logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	subscriber.Stop()
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

func newLogger(format string) *slog.Logger {
	if format == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
