package host

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestNames are the file names recognized as plugin manifests
var ManifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

// IsManifest reports whether path names a manifest file
func IsManifest(path string) bool {
	return slices.Contains(ManifestNames, filepath.Base(path))
}

// ManifestCallback is called with the path of a changed manifest
type ManifestCallback func(path string) error

// WatcherConfig configures a ManifestWatcher
type WatcherConfig struct {
	PluginsDir string
	// Debounce is how long a manifest must stay unchanged before callbacks run.
	Debounce time.Duration
	OnChange ManifestCallback
	OnRemove ManifestCallback
	Logger   zerolog.Logger
}

// ManifestWatcher watches <plugins_dir>/<plugin>/manifest.* for changes.
type ManifestWatcher struct {
	watcher    *fsnotify.Watcher
	pluginsDir string
	debounce   time.Duration
	onChange   ManifestCallback
	onRemove   ManifestCallback
	logger     zerolog.Logger

	done     chan struct{}
	timers   map[string]*time.Timer
	timersMu sync.Mutex
	stopOnce sync.Once
}

// NewManifestWatcher creates a watcher. Call Start to begin watching.
func NewManifestWatcher(config WatcherConfig) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.Debounce == 0 {
		config.Debounce = 200 * time.Millisecond
	}

	return &ManifestWatcher{
		watcher:    watcher,
		pluginsDir: config.PluginsDir,
		debounce:   config.Debounce,
		onChange:   config.OnChange,
		onRemove:   config.OnRemove,
		logger:     config.Logger.With().Str("component", "manifest-watcher").Logger(),
		done:       make(chan struct{}),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// Start watches the plugins directory and each plugin directory in it
func (w *ManifestWatcher) Start() error {
	if err := w.watcher.Add(w.pluginsDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.pluginsDir, err)
	}

	entries, err := os.ReadDir(w.pluginsDir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.pluginsDir, err)
	}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			w.watchDir(filepath.Join(w.pluginsDir, e.Name()))
		}
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.pluginsDir).Msg("Manifest watcher started")
	return nil
}

// Stop stops the watcher and cancels pending callbacks
func (w *ManifestWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timersMu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	clear(w.timers)
	w.timersMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *ManifestWatcher) watchDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch plugin directory")
	}
}

func (w *ManifestWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *ManifestWatcher) handleEvent(event fsnotify.Event) {
	// A new plugin directory: watch it so its manifest is seen.
	if event.Op.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.pluginsDir) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !hidden(info.Name()) {
			w.watchDir(event.Name)
			for _, name := range ManifestNames {
				path := filepath.Join(event.Name, name)
				if _, err := os.Stat(path); err == nil {
					w.schedule(path, fsnotify.Create)
				}
			}
			return
		}
	}

	if !IsManifest(event.Name) {
		return
	}
	w.schedule(event.Name, event.Op)
}

// schedule debounces rapid events for the same manifest into one callback.
func (w *ManifestWatcher) schedule(path string, op fsnotify.Op) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, exists := w.timers[path]; exists {
		timer.Stop()
	}

	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.process(path, op)
		}
	})
}

func (w *ManifestWatcher) process(path string, op fsnotify.Op) {
	// Editors often replace files by rename, so the file on disk decides.
	_, err := os.Stat(path)
	removed := err != nil && (op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) || os.IsNotExist(err))

	callback, action := w.onChange, "change"
	if removed {
		callback, action = w.onRemove, "remove"
	}
	if callback == nil {
		return
	}

	w.logger.Debug().Str("path", path).Str("action", action).Msg("Manifest event")
	if err := callback(path); err != nil {
		w.logger.Error().Err(err).Str("path", path).Str("action", action).Msg("Error handling manifest event")
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
