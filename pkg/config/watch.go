package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads path whenever it is written, created or replaced and
// passes the result to fn. Invalid files are reported through fn with a
// nil config. Watch returns once the watcher is running; events are
// processed until ctx is done.
func Watch(ctx context.Context, path string, logger zerolog.Logger, fn func(*Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.With().Str("component", "config-watcher").Str("path", abs).Logger()
	go processEvents(ctx, watcher, abs, logger, fn)

	logger.Info().Msg("Started watching configuration")
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, logger zerolog.Logger, fn func(*Config, error)) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			logger.Debug().Str("op", event.Op.String()).Msg("Configuration changed")
			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload configuration")
			}
			fn(cfg, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Configuration watcher error")
		}
	}
}
