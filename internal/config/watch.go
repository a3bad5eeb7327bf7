package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchQueueOverrides re-reads the config file at path whenever it changes and
// passes the new dispatch.queues overrides to onChange. Files that fail to
// load or validate are logged and ignored, leaving the previous overrides in
// effect. The directory is watched rather than the file so editors that
// replace the file by rename are handled. WatchQueueOverrides blocks until ctx
// is cancelled.
func WatchQueueOverrides(
	ctx context.Context,
	path string,
	logger *slog.Logger,
	onChange func(map[string]QueueOverride),
) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.With("component", "config_watcher", "path", abs)
	logger.Info("watching config file for queue override changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				logger.Error("ignoring invalid config change", "error", err)
				continue
			}
			logger.Info("queue overrides reloaded", "queues", len(cfg.Dispatch.Queues))
			onChange(cfg.Dispatch.Queues)
		}
	}
}
