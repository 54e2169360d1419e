package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/pkg/plugin"
	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/transport"
)

// Launcher starts a sandbox and returns the host end of its channel.
type Launcher interface {
	Launch(ctx context.Context, name string) (transport.Conn, error)
}

// InProcessLauncher runs each sandbox as a plugin.Runtime on its own goroutine.
// The sandbox shares nothing with the host except the pipe.
type InProcessLauncher struct {
	Options plugin.Options
	Buffer  int
}

func (l *InProcessLauncher) Launch(ctx context.Context, name string) (transport.Conn, error) {
	hostEnd, sandboxEnd := transport.Pipe(l.Buffer)
	rt := plugin.New(sandboxEnd, l.Options)

	logger := l.Options.Logger
	go func() {
		defer sandboxEnd.Close()
		// The sandbox lives until the host closes its end, not until ctx ends.
		if err := rt.Serve(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Str("plugin", name).Msg("Sandbox runtime stopped with error")
		}
	}()

	return hostEnd, nil
}

// ProcessLauncher runs each sandbox as a child process that speaks
// length-prefixed frames on stdin and stdout.
type ProcessLauncher struct {
	// Path is the executable; defaults to the running binary.
	Path string
	// Args defaults to ["sandbox"].
	Args  []string
	Env   []string
	Codec protocol.Codec

	// Stderr receives the child's logs; defaults to os.Stderr.
	Stderr io.Writer
	// Grace is how long Close waits for the child to exit before killing it.
	Grace time.Duration

	Logger zerolog.Logger
}

func (l *ProcessLauncher) Launch(ctx context.Context, name string) (transport.Conn, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"sandbox"}
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sandbox for %s: %w", name, err)
	}

	grace := l.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	l.Logger.Debug().Str("plugin", name).Int("pid", cmd.Process.Pid).Msg("Sandbox process started")

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		grace:  grace,
		logger: l.Logger.With().Str("plugin", name).Logger(),
	}
	return transport.NewStream(stdout, stdin, l.Codec, proc), nil
}

// process closes a sandbox child: stdin first so the child sees end of input,
// then a kill if it does not exit within the grace period.
type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	grace  time.Duration
	logger zerolog.Logger

	once sync.Once
}

func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				p.logger.Warn().Err(err).Msg("Sandbox process exited with error")
			}
		case <-time.After(p.grace):
			p.logger.Warn().Dur("grace", p.grace).Msg("Sandbox process did not exit, killing")
			_ = p.cmd.Process.Kill()
			<-done
		}
	})
	return nil
}
