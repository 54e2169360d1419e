package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sandbridge/internal/config"
	"github.com/harun/sandbridge/internal/logger"
	"github.com/harun/sandbridge/internal/metrics"
	"github.com/harun/sandbridge/pkg/host"
	"github.com/harun/sandbridge/pkg/plugin"
	"github.com/harun/sandbridge/pkg/protocol"
)

// attachPattern is where remote sandboxes connect
const attachPattern = "GET /sandbridge/attach/{plugin}"

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the plugin host",
	Long: `Run the plugin host. Every <plugins_dir>/<plugin>/manifest.{json,yaml,yml}
is validated and started in its own sandbox; plugin routes are served under
/plugins-runtime/<plugin>/. With host.watch enabled, a plugin restarts when its
manifest changes and stops when the manifest is removed.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.LoggerConfig("stdout"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newHostApp(cfg, log.Zerolog())
	if err != nil {
		return err
	}
	return app.run(ctx)
}

// hostApp wires the reference host together from configuration.
type hostApp struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	store   *host.SQLiteStore
	remote  *host.RemoteLauncher
	sup     *host.Supervisor
	loader  *host.ManifestLoader

	mu        sync.Mutex
	manifests map[string]string // manifest path -> plugin id
}

func newHostApp(cfg *config.Config, logger zerolog.Logger) (*hostApp, error) {
	codec, err := protocol.CodecByName(cfg.Sandbox.Codec)
	if err != nil {
		return nil, err
	}

	store, err := host.OpenSQLite(cfg.Host.DBPath, logger)
	if err != nil {
		return nil, err
	}

	app := &hostApp{
		cfg:       cfg,
		logger:    logger.With().Str("component", "host").Logger(),
		metrics:   metrics.NewMetrics(),
		store:     store,
		loader:    host.NewManifestLoader(logger, host.WithHookPrefix(cfg.Host.HookPrefix)),
		manifests: make(map[string]string),
	}

	var launcher host.Launcher
	switch cfg.Host.Isolation {
	case config.IsolationProcess:
		launcher = &host.ProcessLauncher{
			Args:   sandboxArgs(),
			Env:    sandboxEnv(cfg),
			Codec:  codec,
			Logger: logger,
		}
	case config.IsolationRemote:
		app.remote = host.NewRemoteLauncher(codec, logger)
		launcher = app.remote
	default:
		launcher = &host.InProcessLauncher{
			Options: plugin.Options{
				Logger:             logger,
				Metrics:            app.metrics,
				PendingTimeout:     cfg.Sandbox.PendingTimeout,
				AllowMissingPlugin: cfg.Sandbox.AllowMissingPlugin,
			},
			Buffer: cfg.Sandbox.MailboxSize,
		}
	}

	app.sup = host.NewSupervisor(host.Options{
		Logger:        logger,
		Launcher:      launcher,
		Metrics:       app.metrics,
		DB:            store,
		Fetch:         host.NewHTTPFetcher(cfg.Host.FetchTimeout, cfg.Host.MaxResponseBytes, logger),
		FS:            host.NewDirFS(cfg.Host.PluginsDir, cfg.Host.MaxResponseBytes),
		ReadyTimeout:  cfg.Host.ReadyTimeout,
		InvokeTimeout: cfg.Host.InvokeTimeout,
	})

	return app, nil
}

// sandboxArgs re-runs this binary as a sandbox with the same config file.
func sandboxArgs() []string {
	args := []string{"sandbox"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return args
}

// sandboxEnv passes the sandbox section to child processes as overrides.
func sandboxEnv(cfg *config.Config) []string {
	return []string{
		config.EnvPrefix + "_SANDBOX_CODEC=" + cfg.Sandbox.Codec,
		config.EnvPrefix + "_SANDBOX_PENDING_TIMEOUT=" + cfg.Sandbox.PendingTimeout.String(),
		config.EnvPrefix + "_SANDBOX_ALLOW_MISSING_PLUGIN=" + strconv.FormatBool(cfg.Sandbox.AllowMissingPlugin),
		config.EnvPrefix + "_LOGGING_LEVEL=" + cfg.Logging.Level,
	}
}

// handler returns the host's HTTP surface.
func (a *hostApp) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(host.RoutePrefix, host.NewRouter(a.sup, a.logger, a.cfg.Host.MaxBodyBytes))
	if a.remote != nil {
		mux.Handle(attachPattern, a.remote)
	}
	return mux
}

func (a *hostApp) run(ctx context.Context) error {
	defer a.store.Close()

	servers := []*http.Server{{Addr: a.cfg.Host.Listen, Handler: a.handler()}}
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		servers = append(servers, &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			a.logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
		}()
	}

	a.loadAll(ctx)

	if a.cfg.Host.Watch {
		watcher, err := host.NewManifestWatcher(host.WatcherConfig{
			PluginsDir: a.cfg.Host.PluginsDir,
			Logger:     a.logger,
			OnChange: func(path string) error {
				return a.startManifest(ctx, path)
			},
			OnRemove: func(path string) error {
				return a.stopManifest(ctx, path)
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			a.logger.Warn().Err(err).Msg("Manifest watching disabled")
		} else {
			defer watcher.Stop()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown failed")
		}
	}
	if err := a.sup.Close(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to stop every sandbox")
	}
	return runErr
}

// loadAll starts a sandbox for every manifest found in the plugins directory.
// A plugin that fails to start is logged and skipped.
func (a *hostApp) loadAll(ctx context.Context) {
	for _, path := range findManifests(a.cfg.Host.PluginsDir) {
		if a.remote != nil {
			// Remote sandboxes attach on their own schedule.
			go a.logStart(ctx, path)
			continue
		}
		a.logStart(ctx, path)
	}
}

func (a *hostApp) logStart(ctx context.Context, path string) {
	if err := a.startManifest(ctx, path); err != nil {
		a.logger.Error().Err(err).Str("manifest", path).Msg("Failed to start plugin")
	}
}

// findManifests returns the first manifest of each plugin directory.
func findManifests(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, name := range host.ManifestNames {
			path := filepath.Join(dir, e.Name(), name)
			if _, err := os.Stat(path); err == nil {
				paths = append(paths, path)
				break
			}
		}
	}
	return paths
}

// startManifest validates a manifest and starts its plugin, replacing a
// running sandbox of the same plugin.
func (a *hostApp) startManifest(ctx context.Context, path string) error {
	m, err := a.loader.Load(path)
	if err != nil {
		return err
	}
	if err := m.CheckCompatibility(a.cfg.Host.Version); err != nil {
		return err
	}

	grants := a.cfg.Host.GrantsFor(m.ID)
	if err := m.CheckGranted(grants); err != nil {
		// Ungranted routes and hooks are rejected when announced.
		a.logger.Warn().Err(err).Str("plugin", m.ID).Msg("Plugin starts with partial permissions")
	}

	a.mu.Lock()
	previous, known := a.manifests[path]
	a.manifests[path] = m.ID
	a.mu.Unlock()
	if known && previous != m.ID {
		_ = a.sup.Stop(ctx, previous)
	}

	_, err = a.sup.Restart(ctx, host.SpecFromManifest(m, grants))
	return err
}

func (a *hostApp) stopManifest(ctx context.Context, path string) error {
	a.mu.Lock()
	id, ok := a.manifests[path]
	delete(a.manifests, path)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	return a.sup.Stop(ctx, id)
}
