package main

import (
	"fmt"
	"io"
	"time"

	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/phrazzld/syncwarden/internal/monitoring"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// reportOutput is the document printed by the report command.
type reportOutput struct {
	Queues     monitoring.Report            `yaml:"queues"`
	SyncHealth *monitoring.SyncHealthReport `yaml:"syncHealth,omitempty"`
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the monitoring report as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			since, err := cmd.Flags().GetDuration("sync-since")
			if err != nil {
				return err
			}

			app, err := loadApplication(cmd.Context(), cmd, appOptions{})
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			var out reportOutput
			if out.Queues, err = app.monitor.Report(cmd.Context()); err != nil {
				return fmt.Errorf("queue report: %w", err)
			}
			if since > 0 {
				health, err := app.monitor.SyncHealthReport(cmd.Context(), time.Now().Add(-since))
				if err != nil {
					return fmt.Errorf("sync health report: %w", err)
				}
				out.SyncHealth = &health
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Duration("sync-since", 0, "Also report sync health over this window (e.g. 24h)")
	return cmd
}

// queueRow is one entry of the queues command output.
type queueRow struct {
	Queue  queue.QueueName   `yaml:"queue"`
	Config queue.QueueConfig `yaml:"config"`
}

func newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Print the effective queue configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			registry := queue.NewRegistry()
			if err := registry.ApplyOverrides(cfg.Dispatch.Queues); err != nil {
				return err
			}
			rows := make([]queueRow, 0, len(queue.AllQueues()))
			for _, q := range queue.AllQueues() {
				rows = append(rows, queueRow{Queue: q, Config: registry.Config(q)})
			}
			return writeYAML(cmd.OutOrStdout(), rows)
		},
	}
}

// writeYAML marshals v as a single YAML document.
func writeYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	_, err = w.Write(data)
	return err
}
