package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/phrazzld/syncwarden/internal/queue/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// purgeInterval spaces idempotency key purges.
const purgeInterval = time.Hour

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API: provider webhooks, the operator endpoints and, for
the push backend, the job callback endpoint. With the push backend this
process also fires the recurring triggers.

Without a database, or with --embedded, the worker pool or the push
dispatcher runs in this process too.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("embedded", false, "Also run the worker pool or push dispatcher in this process")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedded, err := cmd.Flags().GetBool("embedded")
	if err != nil {
		return err
	}
	app, err := loadApplication(ctx, cmd, appOptions{listen: embedded})
	if err != nil {
		return err
	}
	defer app.close(context.Background())
	embedded = embedded || app.db == nil

	handler, err := app.router()
	if err != nil {
		return err
	}
	cfg := app.config
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info("Starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	push := cfg.Dispatch.Backend == config.BackendPush
	if push || embedded {
		g.Go(func() error { return app.recurringScheduler().Run(gctx) })
	}
	if embedded {
		if push {
			g.Go(func() error { return app.runDispatcher(gctx) })
		} else {
			g.Go(func() error { return app.runWorkers(gctx) })
		}
	}
	app.runMaintenance(gctx, g, configPath(cmd))

	err = g.Wait()
	app.logger.Info("Server shutdown completed")
	return err
}

// runMaintenance starts the config watcher and the idempotency purge.
func (app *application) runMaintenance(ctx context.Context, g *errgroup.Group, path string) {
	g.Go(func() error { return app.watchConfig(ctx, path) })
	g.Go(func() error { return app.purgeIdempotencyKeys(ctx, purgeInterval) })
}

// runWorkers runs the pull worker pool until ctx is cancelled.
func (app *application) runWorkers(ctx context.Context) error {
	if app.config.Dispatch.Backend != config.BackendWorker {
		return fmt.Errorf("worker pool requires dispatch.backend=%s", config.BackendWorker)
	}
	pool := worker.NewPool(app.stores.broker, app.executor, app.registry, worker.PoolConfig{
		PollInterval:   app.config.Dispatch.PollInterval,
		AttemptTimeout: app.config.Dispatch.AttemptTimeout,
		StuckAfter:     app.config.Dispatch.StuckAfter,
	}, app.logger)
	return pool.Run(ctx)
}

// runDispatcher runs the push dispatcher until ctx is cancelled.
func (app *application) runDispatcher(ctx context.Context) error {
	if app.dispatcher == nil {
		return fmt.Errorf("push dispatcher requires dispatch.backend=%s", config.BackendPush)
	}
	if app.config.Push.SigningKeyFile == "" {
		return errors.New("push.signing_key_file is required to deliver tasks")
	}
	return app.dispatcher.Run(ctx)
}
