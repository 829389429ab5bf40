package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadFunc receives every configuration that loaded successfully after a
// change.
type ReloadFunc func(cfg *Config) error

// Watcher reloads a configuration file when it, or the merge script it
// references, changes on disk.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	dirs    map[string]struct{}
	done    chan struct{}
}

// NewWatcher creates a Watcher for the configuration file at path. A
// debounce of zero selects the default.
func NewWatcher(loader *Loader, path string, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
	}
}

// Watch starts watching in the background and calls reloadFn after each
// change. cfg is the configuration currently in use; its merge script is
// watched too. Watching stops when ctx is cancelled or Close is called.
func (w *Watcher) Watch(ctx context.Context, cfg *Config, reloadFn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("watcher already started")
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	if err := w.track(cfg); err != nil {
		_ = watcher.Close()
		w.mu.Lock()
		w.watcher, w.done = nil, nil
		w.mu.Unlock()
		return err
	}

	go w.processEvents(ctx, reloadFn)

	w.logger.Info().Int("files", len(w.files)).Msg("Started watching configuration")
	return nil
}

// track watches the configuration file and cfg's merge script. Directories
// are watched rather than files so editors that replace files on save are
// noticed.
func (w *Watcher) track(cfg *Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := []string{w.path}
	if cfg != nil && cfg.Policy.Script != "" {
		files = append(files, filepath.Clean(cfg.Policy.Script))
	}

	for _, f := range files {
		w.files[f] = struct{}{}
		dir := filepath.Dir(f)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	return nil
}

func (w *Watcher) relevant(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[filepath.Clean(name)]
	return ok
}

// processEvents handles file system events until ctx is done.
func (w *Watcher) processEvents(ctx context.Context, reloadFn ReloadFunc) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			_ = w.watcher.Close()
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.relevant(event.Name) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload(reloadFn)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(reloadFn ReloadFunc) {
	w.logger.Info().Msg("Reloading configuration")

	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload configuration, keeping the current one")
		return
	}

	if err := w.track(cfg); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to watch merge script")
	}

	if err := reloadFn(cfg); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply configuration")
		return
	}
	w.logger.Info().Msg("Configuration reloaded")
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	if done != nil {
		<-done
	}
	return err
}
