package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the cache when another process commits a snapshot,
// adds a profile or removes one. It returns once the watcher is running;
// events are processed until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.root, err)
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to read registry root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), profileDirExt) {
			if err := watcher.Add(filepath.Join(r.root, e.Name())); err != nil {
				r.logger.Warn().Err(err).Str("dir", e.Name()).Msg("Failed to watch profile directory")
			}
		}
	}

	go r.processEvents(ctx, watcher)

	r.logger.Info().Str("root", r.root).Msg("Started watching registry")
	return nil
}

func (r *Registry) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Registry watcher error")
		}
	}
}

func (r *Registry) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	parent := filepath.Base(filepath.Dir(event.Name))

	switch {
	case strings.HasSuffix(name, profileDirExt) && filepath.Dir(event.Name) == r.root:
		id := unescapeID(strings.TrimSuffix(name, profileDirExt))
		if event.Op&fsnotify.Create != 0 {
			if err := watcher.Add(event.Name); err != nil {
				r.logger.Warn().Err(err).Str("dir", name).Msg("Failed to watch profile directory")
			}
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			r.invalidateIf(id, func(e *entry, ok bool) bool { return ok })
		}

	case strings.HasSuffix(parent, profileDirExt):
		ts, ok := parseSnapshotName(name)
		if !ok || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		id := unescapeID(strings.TrimSuffix(parent, profileDirExt))
		r.invalidateIf(id, func(e *entry, known bool) bool { return !known || e.timestamp < ts })
	}
}

// invalidateIf resets the cache when stale reports true for the cached
// entry of id.
func (r *Registry) invalidateIf(id string, stale func(e *entry, known bool) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.profiles == nil {
		return
	}
	e, known := r.profiles[id]
	if !stale(e, known) {
		return
	}
	r.profiles = nil
	r.logger.Debug().Str("profile_id", id).Msg("Profile changed on disk; cache reset")
}
