package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandbridge/pkg/protocol"
)

func TestDirFS(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "hello")
	require.NoError(t, os.MkdirAll(filepath.Join(pluginDir, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "README.md"), []byte("# hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "static", "logo.bin"), []byte{0, 1, 2}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "big.txt"), make([]byte, 128), 0o644))

	fsys := NewDirFS(root, 64)
	ctx := context.Background()

	t.Run("read text", func(t *testing.T) {
		data, err := fsys.Read(ctx, "hello", "README.md", protocol.FSReadText)
		require.NoError(t, err)
		assert.Equal(t, "# hello", data)
	})

	t.Run("read bytes", func(t *testing.T) {
		data, err := fsys.Read(ctx, "hello", "static/logo.bin", protocol.FSReadFile)
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 1, 2}, data)
	})

	t.Run("rejected paths", func(t *testing.T) {
		for _, path := range []string{"../secret.txt", "/etc/passwd", "static/../../secret.txt", "", "."} {
			_, err := fsys.Read(ctx, "hello", path, protocol.FSReadText)
			assert.Error(t, err, path)
		}
	})

	t.Run("symlink escape", func(t *testing.T) {
		link := filepath.Join(pluginDir, "escape.txt")
		if err := os.Symlink(filepath.Join(root, "secret.txt"), link); err != nil {
			t.Skipf("symlinks not supported: %v", err)
		}
		_, err := fsys.Read(ctx, "hello", "escape.txt", protocol.FSReadText)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := fsys.Read(ctx, "hello", "nope.txt", protocol.FSReadText)
		assert.ErrorContains(t, err, "file not found")
	})

	t.Run("size cap", func(t *testing.T) {
		_, err := fsys.Read(ctx, "hello", "big.txt", protocol.FSReadText)
		assert.ErrorContains(t, err, "exceeds")
	})

	t.Run("invalid plugin", func(t *testing.T) {
		_, err := fsys.Read(ctx, "../hello", "README.md", protocol.FSReadText)
		assert.Error(t, err)

		_, err = fsys.Read(ctx, "other", "README.md", protocol.FSReadText)
		assert.Error(t, err)
	})
}
