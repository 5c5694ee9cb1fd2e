// Package main relays new placement portal notices to a Telegram group.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"notice-relay/config"
	"notice-relay/format"
	"notice-relay/poll"
	"notice-relay/portal"
	"notice-relay/server"
	watermark "notice-relay/storage"
	"notice-relay/telegram"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const testMessage = "Test message from placement bot"

type options struct {
	serve       bool
	check       bool
	testMessage bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("notice-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{}
	fs.BoolVar(&opts.serve, "serve", false, "run the HTTP trigger server instead of a single pass")
	fs.BoolVar(&opts.check, "check", false, "verify the Telegram bot token and exit")
	fs.BoolVar(&opts.testMessage, "test-message", false, "send a test message to the group and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// app holds the wired components for one process.
type app struct {
	monitor  *poll.Monitor
	provider telegram.Provider
	bot      *telegram.Client // Nil in mock mode
	closers  []func() error
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	config.LoadEnv(bootLogger)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("Invalid configuration", "error", err)
		return 1
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	logger.Info("Configuration loaded", "config", cfg.String())

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close clients", "error", err)
		}
	}()

	switch {
	case opts.check:
		return checkBot(ctx, a, logger)
	case opts.testMessage:
		if err := a.provider.Send(ctx, testMessage, false); err != nil {
			logger.Error("Error sending test message", "error", err)
			return 1
		}
		logger.Info("Test message sent successfully")
		return 0
	case opts.serve:
		srv := server.New(&server.Config{Poller: a.monitor, Logger: logger})
		if err := srv.ListenAndServe(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			return 1
		}
		return 0
	}

	res, err := a.monitor.Run(ctx)
	if err != nil {
		logger.Warn("Relay run ended early", "error", err)
	}
	if res != nil && res.FeedUnavailable {
		logger.Warn("Notice feed unavailable, nothing relayed")
	}
	return 0
}

func checkBot(ctx context.Context, a *app, logger *slog.Logger) int {
	if a.bot == nil {
		logger.Info("Mock Telegram mode, skipping bot check")
		return 0
	}
	name, err := a.bot.GetMe(ctx)
	if err != nil {
		logger.Error("Telegram API connection failed", "error", err)
		return 1
	}
	logger.Info("Telegram API connection successful", "bot", name)
	return 0
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var gcs *storage.Client
	if cfg.StorageBucket != "" {
		var err error
		gcs, err = newStorageClient(ctx, cfg.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		logger.Info("Using Cloud Storage for watermark", "bucket", cfg.StorageBucket, "object", cfg.WatermarkObject)
	} else {
		logger.Info("Using local file for watermark", "path", cfg.LastNoticeFile)
	}
	store := watermark.New(gcs, cfg.StorageBucket, cfg.WatermarkObject, cfg.LastNoticeFile, logger)

	feed := portal.New(portal.Config{
		BaseURL:    cfg.PortalBaseURL,
		Cookie:     cfg.CookieValue,
		CookieName: cfg.CookieName,
		Attempts:   cfg.FetchAttempts,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	if cfg.MockTelegram {
		logger.Info("Mock Telegram mode enabled")
		a.provider = telegram.NewMockProvider(logger)
	} else {
		a.bot = telegram.NewClient(telegram.Config{
			Token:              cfg.TelegramToken,
			ChatID:             cfg.GroupChatID,
			DisableLinkPreview: cfg.DisableLinkPreview,
			HTTPClient:         httpClient,
			Logger:             logger,
		})
		a.provider = a.bot
	}

	lockPath := cfg.LockFile
	if cfg.StorageBucket != "" {
		// Cloud Storage runs are serialized by the in-process guard only.
		lockPath = ""
	}

	a.monitor = poll.New(feed, store, format.New(format.MaxSegmentLength), telegram.NewDeliverer(a.provider, logger), lockPath, logger)
	return a, nil
}

func newStorageClient(ctx context.Context, credsJSON string) (*storage.Client, error) {
	if credsJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials on Cloud Run
	return storage.NewClient(ctx)
}
