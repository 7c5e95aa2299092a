package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/resource_fetcher/internal/cleanup"
	"github.com/italolelis/resource_fetcher/internal/config"
	"github.com/italolelis/resource_fetcher/internal/http/rest"
	"github.com/italolelis/resource_fetcher/internal/logctx"
	"github.com/italolelis/resource_fetcher/internal/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve cached resources over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a.cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "resource fetcher starting...", "version", version, "log_level", cfg.LogLevel)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	s, err := buildStack(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer s.Close()

	// Files left by a crashed process are not in the index.
	if n, err := cleanup.RemoveOrphans(ctx, s.cache.Dir(), s.repo, s.downloader.InFlight()); err != nil {
		logger.ErrorContext(ctx, "failed to remove orphaned files", "err", err)
	} else if n > 0 {
		logger.InfoContext(ctx, "removed orphaned files", "count", n)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, s, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.InfoContext(ctx, "Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, s, cfg)

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, s *stack, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewResourceHandler(s.downloader, s.cache).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, s *stack, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			expired, err := cleanup.DeleteExpiredEntries(ctx, s.repo, s.cache, cfg.KeepCachedFor)
			if err != nil {
				logger.ErrorContext(ctx, "failed to delete expired cache entries", "err", err)
			}

			orphans, err := cleanup.RemoveOrphans(ctx, s.cache.Dir(), s.repo, s.downloader.InFlight())
			if err != nil {
				logger.ErrorContext(ctx, "failed to remove orphaned files", "err", err)
			}

			used, count, err := s.cache.Usage(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "failed to read cache usage", "err", err)

				continue
			}

			logger.InfoContext(ctx, "cache cleanup finished",
				"expired", expired, "orphans", orphans, "entries", count, "used", humanize.Bytes(uint64(used)))
		}
	}
}
