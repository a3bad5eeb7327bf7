package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pull worker pool",
		Long: `Run one consumer group per queue against the job broker, plus the
recurring triggers. Requires dispatch.backend=worker.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackground(cmd, appOptions{listen: true}, (*application).runWorkers)
		},
	}
}

func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run the self-hosted push dispatcher",
		Long: `Deliver due push tasks to the job callback endpoint with a signed
identity token. Requires dispatch.backend=push and push.signing_key_file.
The recurring triggers run in the serve process for this backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackground(cmd, appOptions{}, (*application).runDispatcher)
		},
	}
}

// runBackground runs loop alongside the maintenance loops until a signal
// arrives. The worker backend also fires the recurring triggers here.
func runBackground(cmd *cobra.Command, opts appOptions, loop func(*application, context.Context) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := loadApplication(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer app.close(context.Background())
	if app.db == nil {
		app.logger.Warn("running without a database; only jobs enqueued by this process are visible")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop(app, gctx) })
	if app.dispatcher == nil {
		g.Go(func() error { return app.recurringScheduler().Run(gctx) })
	}
	app.runMaintenance(gctx, g, configPath(cmd))
	return g.Wait()
}
