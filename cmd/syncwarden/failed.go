package main

import (
	"fmt"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/spf13/cobra"
)

// failedRow is one entry of the failed command output.
type failedRow struct {
	ID         string     `yaml:"id"`
	Attempts   int        `yaml:"attempts"`
	LastError  string     `yaml:"lastError,omitempty"`
	CreatedAt  time.Time  `yaml:"createdAt"`
	FinishedAt *time.Time `yaml:"finishedAt,omitempty"`
	Payload    string     `yaml:"payload"`
}

func failedRows(failed []queue.Job) []failedRow {
	rows := make([]failedRow, 0, len(failed))
	for _, j := range failed {
		rows = append(rows, failedRow{
			ID:         j.ID,
			Attempts:   j.Attempt,
			LastError:  j.LastError,
			CreatedAt:  j.CreatedAt,
			FinishedAt: j.FinishedAt,
			Payload:    string(j.Payload),
		})
	}
	return rows
}

func newFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed <queue>",
		Short: "List jobs that exhausted their attempts",
		Long: `List the most recent jobs of one queue that failed permanently or ran out
of attempts, newest first, as YAML.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queue.ParseQueueName(args[0])
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			app, err := loadApplication(cmd.Context(), cmd, appOptions{})
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			failed, err := app.inspector.FailedJobs(cmd.Context(), q, limit)
			if err != nil {
				return fmt.Errorf("list failed %s jobs: %w", q, err)
			}
			return writeYAML(cmd.OutOrStdout(), failedRows(failed))
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of jobs to list")
	return cmd
}
