package host

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu      sync.Mutex
	changed []string
	removed []string
}

func (l *eventLog) snapshot() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.changed...), append([]string{}, l.removed...)
}

func TestManifestWatcher(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "hello")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	manifest := filepath.Join(pluginDir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{}`), 0o644))

	log := &eventLog{}
	w, err := NewManifestWatcher(WatcherConfig{
		PluginsDir: dir,
		Debounce:   20 * time.Millisecond,
		Logger:     zerolog.Nop(),
		OnChange: func(path string) error {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.changed = append(log.changed, path)
			return nil
		},
		OnRemove: func(path string) error {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.removed = append(log.removed, path)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	t.Run("burst of writes is debounced", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, os.WriteFile(manifest, []byte(`{"n":1}`), 0o644))
		}

		require.Eventually(t, func() bool {
			changed, _ := log.snapshot()
			return len(changed) == 1
		}, 2*time.Second, 10*time.Millisecond)

		changed, _ := log.snapshot()
		assert.Equal(t, manifest, changed[0])
	})

	t.Run("other files are ignored", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "README.md"), []byte("x"), 0o644))
		time.Sleep(100 * time.Millisecond)

		changed, _ := log.snapshot()
		assert.Len(t, changed, 1)
	})

	t.Run("removal", func(t *testing.T) {
		require.NoError(t, os.Remove(manifest))

		require.Eventually(t, func() bool {
			_, removed := log.snapshot()
			return len(removed) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("new plugin directory", func(t *testing.T) {
		newDir := filepath.Join(dir, "fresh")
		require.NoError(t, os.MkdirAll(newDir, 0o755))
		// Give the watcher time to add the new directory before the manifest appears.
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, os.WriteFile(filepath.Join(newDir, "manifest.yaml"), []byte("x: 1"), 0o644))

		require.Eventually(t, func() bool {
			changed, _ := log.snapshot()
			for _, p := range changed {
				if p == filepath.Join(newDir, "manifest.yaml") {
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)
	})

	assert.True(t, IsManifest("a/manifest.yml"))
	assert.False(t, IsManifest("a/package.json"))
}
