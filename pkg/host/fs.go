package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/sandbridge/pkg/protocol"
)

// FSService reads files on behalf of a plugin
type FSService interface {
	Read(ctx context.Context, plugin, path string, method protocol.FSMethod) (any, error)
}

// DirFS confines each plugin to <root>/<plugin>. Paths that escape the plugin
// directory, including through symlinks, are refused.
type DirFS struct {
	root     string
	maxBytes int64
}

// NewDirFS creates a reader rooted at root. A non-positive maxBytes disables the size cap.
func NewDirFS(root string, maxBytes int64) *DirFS {
	return &DirFS{root: root, maxBytes: maxBytes}
}

func (d *DirFS) Read(ctx context.Context, plugin, path string, method protocol.FSMethod) (any, error) {
	if !pluginIDRegex.MatchString(plugin) {
		return nil, fmt.Errorf("invalid plugin id %q", plugin)
	}

	name := filepath.Clean(filepath.FromSlash(strings.TrimSpace(path)))
	if name == "." || filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("path %q is outside the plugin directory", path)
	}

	root, err := os.OpenRoot(filepath.Join(d.root, plugin))
	if err != nil {
		return nil, fmt.Errorf("plugin directory for %s is not available", plugin)
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("cannot read %s", path)
	}

	reader := io.Reader(f)
	if d.maxBytes > 0 {
		if info.Size() > d.maxBytes {
			return nil, fmt.Errorf("%s exceeds %d bytes", path, d.maxBytes)
		}
		reader = io.LimitReader(f, d.maxBytes)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s", path)
	}

	switch method {
	case protocol.FSReadFile:
		return data, nil
	default:
		return string(data), nil
	}
}
