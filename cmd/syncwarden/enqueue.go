package main

import (
	"fmt"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/spf13/cobra"
)

// enqueueFlags are the inputs of the enqueue command.
type enqueueFlags struct {
	user        string
	integration string
	bypass      bool
	delay       time.Duration
	jobID       string
}

func newEnqueueCmd() *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue <queue>",
		Short: "Enqueue one job",
		Long: `Enqueue one job on the configured dispatch backend and print its handle.

Sync queues (calendar-sync, contacts-sync) require --user. token-refresh with
--user and --integration refreshes one credential, without them it runs the
batch refresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queue.ParseQueueName(args[0])
			if err != nil {
				return err
			}
			payload, err := buildPayload(q, f, time.Now().UTC())
			if err != nil {
				return err
			}

			app, err := loadApplication(cmd.Context(), cmd, appOptions{})
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			handle, err := app.backend.Enqueue(cmd.Context(), q, payload, queue.Options{
				Delay: f.delay,
				JobID: f.jobID,
			})
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", q, err)
			}
			return writeYAML(cmd.OutOrStdout(), handle)
		},
	}
	cmd.Flags().StringVar(&f.user, "user", "", "User id")
	cmd.Flags().StringVar(&f.integration, "integration", "", "Integration type (google_calendar or google_contacts)")
	cmd.Flags().BoolVar(&f.bypass, "bypass", false, "Bypass the circuit breaker for a sync job")
	cmd.Flags().DurationVar(&f.delay, "delay", 0, "Delay before the job becomes due")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "Deterministic job id")
	return cmd
}

// buildPayload maps the command flags onto the payload of q.
func buildPayload(q queue.QueueName, f enqueueFlags, now time.Time) (any, error) {
	var integration domain.IntegrationType
	if f.integration != "" {
		var err error
		if integration, err = domain.ParseIntegrationType(f.integration); err != nil {
			return nil, err
		}
	}

	switch q {
	case queue.CalendarSync, queue.ContactsSync:
		if f.user == "" {
			return nil, fmt.Errorf("%s requires --user", q)
		}
		if want, _ := jobs.IntegrationFor(q); integration != "" && integration != want {
			return nil, fmt.Errorf("%s syncs %s, not %s", q, want, integration)
		}
		return jobs.SyncPayload{
			UserID:               f.user,
			SyncType:             domain.SyncTypeManual,
			BypassCircuitBreaker: f.bypass,
			TriggeredAt:          now,
		}, nil
	case queue.AdaptiveSync:
		return jobs.AdaptiveSyncPayload{Integration: integration, WindowStart: now}, nil
	case queue.TokenRefresh:
		if f.user != "" && integration == "" {
			return nil, fmt.Errorf("%s with --user requires --integration", q)
		}
		return jobs.TokenRefreshPayload{UserID: f.user, Integration: integration, WindowStart: now}, nil
	case queue.SuggestionGeneration, queue.SuggestionRegeneration:
		if f.user == "" {
			return nil, fmt.Errorf("%s requires --user", q)
		}
		return jobs.SuggestionPayload{UserID: f.user, TriggeredAt: now}, nil
	case queue.BatchNotifications:
		return jobs.NotificationPayload{UserID: f.user, Kind: jobs.KindDigest, WindowStart: now}, nil
	case queue.NotificationReminder:
		return jobs.NotificationPayload{UserID: f.user, Kind: jobs.KindReminder, WindowStart: now}, nil
	case queue.WebhookHealthCheck, queue.WebhookRenewal, queue.TokenHealthReminder:
		return jobs.WindowPayload{WindowStart: now}, nil
	}
	return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, q)
}
