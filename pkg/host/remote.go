package host

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/transport"
)

// RemoteLauncher does not start sandboxes. It waits for one to attach over
// WebSocket, e.g. `sandbridge sandbox --connect ws://host/sandbridge/attach/hello`.
//
// Mount it on a pattern with a {plugin} wildcard.
type RemoteLauncher struct {
	codec  protocol.Codec
	logger zerolog.Logger

	mu       sync.Mutex
	attached map[string]chan transport.Conn
}

// NewRemoteLauncher creates a launcher that accepts attachments encoded with codec
func NewRemoteLauncher(codec protocol.Codec, logger zerolog.Logger) *RemoteLauncher {
	return &RemoteLauncher{
		codec:    codec,
		logger:   logger.With().Str("component", "remote-launcher").Logger(),
		attached: make(map[string]chan transport.Conn),
	}
}

// slot holds at most one attached, not yet launched connection per plugin.
func (l *RemoteLauncher) slot(name string) chan transport.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.attached[name]
	if !ok {
		ch = make(chan transport.Conn, 1)
		l.attached[name] = ch
	}
	return ch
}

// Launch blocks until a sandbox for name attaches or ctx ends.
func (l *RemoteLauncher) Launch(ctx context.Context, name string) (transport.Conn, error) {
	select {
	case conn := <-l.slot(name):
		return conn, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no sandbox attached for %s: %w", name, ctx.Err())
	}
}

func (l *RemoteLauncher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("plugin")
	if !pluginIDRegex.MatchString(name) {
		http.Error(w, "invalid plugin id", http.StatusBadRequest)
		return
	}

	ch := l.slot(name)
	if len(ch) == cap(ch) {
		http.Error(w, "a sandbox is already waiting for "+name, http.StatusConflict)
		return
	}

	conn, err := transport.Upgrade(w, r, l.codec)
	if err != nil {
		l.logger.Warn().Err(err).Str("plugin", name).Msg("Sandbox attach failed")
		return
	}

	select {
	case ch <- conn:
		l.logger.Info().Str("plugin", name).Str("remote", r.RemoteAddr).Msg("Sandbox attached")
	default:
		_ = conn.Close()
	}
}
