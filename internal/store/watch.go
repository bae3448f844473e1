package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// cancelPollInterval backs up fsnotify in case the create event is missed
// (e.g. the marker is written over NFS).
const cancelPollInterval = 2 * time.Second

// WatchCancel watches for the run's cancel marker and closes the returned
// channel once it appears or already exists. The watcher shuts down when ctx
// ends.
func (s *Store) WatchCancel(ctx context.Context, runID string) (<-chan struct{}, error) {
	stateDir := filepath.Join(s.dir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(stateDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", stateDir, err)
	}

	cancelled := make(chan struct{})
	marker := s.CancelPath(runID)

	go func() {
		defer watcher.Close()

		if s.CancelRequested(runID) {
			close(cancelled)
			return
		}

		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && event.Name == marker {
					close(cancelled)
					return
				}
			case <-ticker.C:
				if s.CancelRequested(runID) {
					close(cancelled)
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors degrade to polling.
			}
		}
	}()

	return cancelled, nil
}
