package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/relay-core/logger"
)

// Watcher reloads the config record when the file is edited outside the
// engine (e.g. a hand-edited timeout). Reload failures keep the current
// in-memory state.
type Watcher struct {
	cfg      *Config
	watcher  *fsnotify.Watcher
	onReload func()
	stopOnce sync.Once
	stopCh   chan struct{}

	mu        sync.Mutex
	debounce  time.Duration
	lastEvent time.Time
}

// NewWatcher creates a watcher for the config's file. onReload may be nil;
// when set it fires after each successful reload.
func NewWatcher(cfg *Config, onReload func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:      cfg,
		watcher:  fsWatcher,
		onReload: onReload,
		debounce: 100 * time.Millisecond, // Debounce rapid editor writes
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.cfg.FilePath())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

// watchLoop handles file system events
func (w *Watcher) watchLoop() {
	log := logger.WithComponent("config")
	configPath := w.cfg.FilePath()
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only care about mutations of the record itself
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce: wait for activity to settle
			w.mu.Lock()
			w.lastEvent = time.Now()
			debounce := w.debounce
			w.mu.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.AfterFunc(debounce, func() {
				w.mu.Lock()
				elapsed := time.Since(w.lastEvent)
				debounce := w.debounce
				w.mu.Unlock()

				if elapsed < debounce {
					return
				}

				if err := w.cfg.Reload(); err != nil {
					log.Warn("config reload failed, keeping current state", "error", err)
					return
				}
				log.Info("config reloaded", "path", configPath)
				if w.onReload != nil {
					w.onReload()
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

// SetDebounce sets the debounce duration. Safe to call while watching.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
