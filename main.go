// Command forumwatch is a forum-activity watch daemon. It polls
// threads, forums, users, keywords, credits, and the inbox through the
// batching API, deduplicates against a local SQLite store, and
// delivers new events to a webhook and an optional archive.
//
// Usage:
//
//	forumwatch -config forumwatch.yaml
//
// The API token can be supplied in the config file or through the
// FORUMWATCH_TOKEN environment variable, which takes precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"

	"forumwatch/api"
	"forumwatch/client"
	"forumwatch/config"
	"forumwatch/pkg/forum"
	"forumwatch/server"
	"forumwatch/sink"
	"forumwatch/store"
	"forumwatch/watch"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "forumwatch.yaml", "path to YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("forumwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if token := os.Getenv("FORUMWATCH_TOKEN"); token != "" {
		cfg.API.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	apiClient, err := client.New(client.Config{
		BaseURL:     cfg.API.BaseURL,
		Token:       cfg.API.Token,
		Proxy:       cfg.API.Proxy,
		Timeout:     cfg.API.Timeout.Std(),
		HourlyLimit: cfg.API.HourlyLimit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Verify the token before spinning up watch loops. A rejected token
	// is permanent; a flaky network at boot is not worth dying over.
	if err := apiClient.Ping(ctx); err != nil {
		if client.IsAuth(err) {
			return fmt.Errorf("verify token: %w", err)
		}
		logger.Warn("Startup ping failed, continuing", "error", err)
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close dedup store", "error", err)
		}
	}()

	handler, closeSinks, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	watcher, err := watch.New(watch.Config{
		Source:    api.New(apiClient, logger),
		Store:     st,
		Logger:    logger,
		PruneKeep: cfg.Store.PruneKeep,
	})
	if err != nil {
		return err
	}
	registerWatches(watcher, cfg.Watches, handler)

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Stop()
	logger.Info("Watcher started", "watches", watcher.Count())

	go maintain(ctx, st, cfg.Store.PurgeAfter.Std(), cfg.Store.PurgeInterval.Std(), logger)

	srv := server.New(&server.Config{
		Store:   st,
		Quota:   apiClient.Quota(),
		Watcher: watcher,
		Logger:  logger,
		Addr:    cfg.Server.Addr,
	})
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-srvErr:
		return fmt.Errorf("ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown failed", "error", err)
	}
	return nil
}

// buildHandler composes the delivery chain: webhook (or the log
// fallback when none is configured), wrapped by the archive when one
// is configured. The returned func releases sink resources.
func buildHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (watch.Handler, func(), error) {
	var handler watch.Handler
	if cfg.Webhook.URL != "" || cfg.Webhook.Mock {
		hook, err := sink.NewWebhook(sink.WebhookConfig{
			URL:      cfg.Webhook.URL,
			Style:    cfg.Webhook.Style,
			Username: cfg.Webhook.Username,
			Headers:  cfg.Webhook.Headers,
			ForumURL: cfg.Webhook.ForumURL,
			Timeout:  cfg.Webhook.Timeout.Std(),
			Mock:     cfg.Webhook.Mock,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		handler = hook.Handler()
	} else {
		logger.Info("No webhook configured, events will be logged only")
		handler = logEvents(logger)
	}

	closer := func() {}
	if cfg.Archive.Bucket != "" || cfg.Archive.LocalDir != "" {
		var gcsClient *gcs.Client
		if cfg.Archive.LocalDir == "" {
			var err error
			gcsClient, err = gcs.NewClient(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("init storage client: %w", err)
			}
			closer = func() {
				if err := gcsClient.Close(); err != nil {
					logger.Warn("Failed to close storage client", "error", err)
				}
			}
		}
		handler = sink.NewArchive(gcsClient, cfg.Archive.Bucket, cfg.Archive.LocalDir, logger).Wrap(handler)
	}
	return handler, closer, nil
}

// logEvents is the delivery fallback when no webhook is configured.
func logEvents(logger *slog.Logger) watch.Handler {
	return func(_ context.Context, ev forum.Event) error {
		logger.Info("EVENT", "kind", ev.Kind(), "event", ev)
		return nil
	}
}

func registerWatches(w *watch.Watcher, watches []config.Watch, handler watch.Handler) {
	for _, wc := range watches {
		var opts []watch.Option
		if wc.Interval > 0 {
			opts = append(opts, watch.Every(wc.Interval.Std()))
		}
		switch wc.Type {
		case "thread":
			w.WatchThread(wc.ThreadID, handler, opts...)
		case "forum":
			w.WatchForum(wc.ForumID, handler, opts...)
		case "user":
			w.WatchUser(wc.UserID, userMode(wc.Mode), handler, opts...)
		case "keyword":
			w.WatchKeyword(wc.Keyword, wc.Forums, handler, opts...)
		case "credits":
			w.WatchCredits(handler, opts...)
		case "inbox":
			w.WatchInbox(handler, opts...)
		}
	}
}

func userMode(mode string) watch.UserMode {
	if mode == "all" {
		return watch.UserAll
	}
	return watch.UserThreadsOnly
}

// maintain purges dedup records older than age on a fixed cadence.
func maintain(ctx context.Context, st *store.Store, age, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := st.PurgeOld(age)
			if err != nil {
				logger.Warn("Dedup purge failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Purged stale dedup records", "removed", removed, "older_than", age.String())
			}
		}
	}
}
