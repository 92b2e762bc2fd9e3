package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-clinical/clinscore/internal/api"
	"github.com/opensource-clinical/clinscore/internal/audit"
	"github.com/opensource-clinical/clinscore/internal/bus"
	"github.com/opensource-clinical/clinscore/internal/cache"
	"github.com/opensource-clinical/clinscore/internal/catalog"
	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/evaluation"
	"github.com/opensource-clinical/clinscore/internal/repository"
	"github.com/opensource-clinical/clinscore/internal/usage"
	"github.com/opensource-clinical/clinscore/internal/worker"
)

func newServeCmd(a *app) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var banner io.Writer = cmd.OutOrStdout()
			if quiet {
				banner = io.Discard
			}
			return serve(ctx, a.cfg, a.logger, banner)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the startup banner")
	return cmd
}

func serve(ctx context.Context, cfg *domain.Config, logger *slog.Logger, banner io.Writer) error {
	logger.Info("starting clinscore",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	logger.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		logger.Info("trace propagation enabled", "service_name", cfg.Tracing.ServiceName)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	logger.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Compile the catalog: bundled, then the directory, then stored definitions
	a := &app{cfg: cfg, logger: logger}
	cat, loader, err := a.openCatalog(ctx, cfg.Catalog, repo)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded",
		"definitions", cat.Count(),
		"rejected", len(cat.Rejected()),
	)
	for _, r := range cat.Rejected() {
		logger.Warn("definition rejected", "definition_id", r.DefinitionID, "source", r.Source, "problems", r.Problems)
	}

	if cfg.Catalog.Watch {
		watcher, err := catalog.NewWatcher(loader, cat, busImpl, logger, 0)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.Catalog.Dir, err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("definition watcher stopped", "error", err)
			}
		}()
	}

	usageSvc := usage.NewService(repo, cacheImpl, cfg.Evaluation.UsageWindow)

	trail := audit.New(cfg.Audit)
	defer trail.Close()
	if trail != nil {
		logger.Info("audit trail enabled", "file", cfg.Audit.File)
	}

	// Persist evaluations off the request path
	asyncWorker := worker.NewWorker(busImpl, repo, usageSvc, trail)
	if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Evaluation.Tenants}); err != nil {
		return fmt.Errorf("failed to start async worker: %w", err)
	}

	evaluations := evaluation.NewService(cat, cacheImpl, busImpl, cfg.Evaluation, logger)

	srv := api.NewServer(cfg.Server, cfg.Metrics, api.Dependencies{
		Repository:  repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Catalog:     cat,
		Loader:      loader,
		Evaluations: evaluations,
		Usage:       usageSvc,
		Version:     Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("clinscore is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(banner, cfg, cat.Count())

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		asyncWorker.Stop()
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop the worker after the server so in-flight evaluations are persisted
	if err := asyncWorker.Stop(); err != nil {
		logger.Error("failed to stop async worker", "error", err)
	}

	logger.Info("clinscore shutdown complete")
	return nil
}

func printBanner(w io.Writer, cfg *domain.Config, definitions int) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  clinscore - clinical score evaluation")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:      %s\n", Version)
	fmt.Fprintf(w, "  Tier:         %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:       http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Definitions:  %d\n", definitions)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    GET  /definitions                 - List definitions")
	fmt.Fprintln(w, "    POST /definitions                 - Add a custom definition")
	fmt.Fprintln(w, "    POST /definitions/reload          - Reload definitions")
	fmt.Fprintln(w, "    POST /definitions/{id}/evaluate   - Evaluate a score")
	fmt.Fprintln(w, "    GET  /definitions/{id}/last       - Last result")
	fmt.Fprintln(w, "    GET  /definitions/{id}/notes      - Notes")
	fmt.Fprintln(w, "    GET  /evaluations/{id}            - Get evaluation by ID")
	fmt.Fprintln(w, "    GET  /usage/recent                - Recently used scores")
	fmt.Fprintln(w, "    GET  /health                      - Health check")
	fmt.Fprintln(w)
}

