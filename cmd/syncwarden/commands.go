package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// newRootCmd builds the command tree. Every call returns a fresh tree so
// flags never leak between invocations.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "syncwarden",
		Short:             "Resilient background sync for calendar and contacts integrations",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}
	root.PersistentFlags().String("config", "",
		"Path to the YAML configuration file (defaults to $"+config.ConfigPathEnv+")")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newDispatchCmd(),
		newMigrateCmd(),
		newEnqueueCmd(),
		newFailedCmd(),
		newReportCmd(),
		newQueuesCmd(),
		newVersionCmd(),
	)
	return root
}

// versionInfo is printed by the version command.
type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:   version,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "text":
				_, err := fmt.Fprintf(out, "syncwarden %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
				return err
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().String("format", "text", "Output format (text or json)")
	return cmd
}

// configPath returns the --config flag value.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// loadConfig reads the configuration and sets up the process logger. Logs go
// to the command's error stream so stdout stays clean for command output.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	l, err := logger.Setup(logger.Config{Level: cfg.Server.LogLevel, Output: cmd.ErrOrStderr()})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, l, nil
}

// loadApplication loads the configuration and wires the application.
func loadApplication(ctx context.Context, cmd *cobra.Command, opts appOptions) (*application, error) {
	cfg, l, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApplication(ctx, cfg, l, opts)
}
