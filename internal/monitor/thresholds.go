package monitor

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"govmon/internal/config"
	"govmon/internal/logging"
	"govmon/internal/storage"
)

// ThresholdStore is the live copy of the runtime-tunable thresholds. It
// loads from <data>/thresholds.json, writes through set_thresholds, and
// hot-reloads when the file changes on disk so operators can tune a
// running server by editing the file.
type ThresholdStore struct {
	path string

	mu sync.RWMutex
	t  config.Thresholds

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewThresholdStore loads thresholds from path, seeding the file with
// defaults when absent.
func NewThresholdStore(path string) (*ThresholdStore, error) {
	s := &ThresholdStore{path: path, t: config.DefaultThresholds()}
	var onDisk config.Thresholds
	found, err := storage.ReadJSON(path, &onDisk)
	if err != nil {
		return nil, fmt.Errorf("loading thresholds: %w", err)
	}
	if found {
		s.t = onDisk.Clamped()
	} else if err := storage.WriteJSONAtomic(path, s.t); err != nil {
		return nil, fmt.Errorf("seeding thresholds: %w", err)
	}
	return s, nil
}

// Get returns the current thresholds.
func (s *ThresholdStore) Get() config.Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

// Set clamps, persists, and applies new thresholds.
func (s *ThresholdStore) Set(t config.Thresholds) error {
	t = t.Clamped()
	if err := storage.WriteJSONAtomic(s.path, t); err != nil {
		return fmt.Errorf("persisting thresholds: %w", err)
	}
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
	logging.Get(logging.CategoryMonitor).Info("thresholds updated")
	return nil
}

// Watch starts the hot-reload watcher. Call Close to stop it.
func (s *ThresholdStore) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting threshold watcher: %w", err)
	}
	// Watch the directory: atomic renames replace the file inode, and
	// watching the path directly would go quiet after the first swap.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching thresholds dir: %w", err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	log := logging.Get(logging.CategoryMonitor)

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				var t config.Thresholds
				if found, err := storage.ReadJSON(s.path, &t); err == nil && found {
					s.mu.Lock()
					s.t = t.Clamped()
					s.mu.Unlock()
					log.Info("thresholds hot-reloaded from disk")
				} else if err != nil {
					log.Warn("threshold reload skipped: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("threshold watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if running.
func (s *ThresholdStore) Close() {
	if s.watcher != nil {
		close(s.done)
		s.watcher.Close()
		s.watcher = nil
	}
}
