package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/sandbridge/internal/logger"
	"github.com/harun/sandbridge/pkg/plugin"
	"github.com/harun/sandbridge/pkg/protocol"
	"github.com/harun/sandbridge/pkg/transport"
)

var (
	sandboxCodec   string
	sandboxConnect string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run one plugin sandbox",
	Long: `Run one plugin sandbox. Frames are read from stdin and written to stdout,
so all logging goes to stderr. The host's init message names the plugin to load.

With --connect the sandbox attaches to a host over WebSocket instead, e.g.
  sandbridge sandbox --connect ws://127.0.0.1:8080/sandbridge/attach/hello`,
	Args: cobra.NoArgs,
	RunE: runSandbox,
}

func init() {
	sandboxCmd.Flags().StringVar(&sandboxCodec, "codec", "", "frame codec (json, cbor), overrides the config file")
	sandboxCmd.Flags().StringVar(&sandboxConnect, "connect", "", "attach to a host WebSocket endpoint instead of using stdio")
	rootCmd.AddCommand(sandboxCmd)
}

func runSandbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sandboxCodec != "" {
		cfg.Sandbox.Codec = sandboxCodec
	}
	codec, err := protocol.CodecByName(cfg.Sandbox.Codec)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.LoggerConfig("stderr"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := sandboxConn(ctx, codec)
	if err != nil {
		return err
	}
	defer conn.Close()

	rt := plugin.New(conn, plugin.Options{
		Logger:             log.Zerolog(),
		PendingTimeout:     cfg.Sandbox.PendingTimeout,
		AllowMissingPlugin: cfg.Sandbox.AllowMissingPlugin,
	})
	return rt.Serve(ctx)
}

func sandboxConn(ctx context.Context, codec protocol.Codec) (transport.Conn, error) {
	if sandboxConnect != "" {
		return transport.DialWebSocket(ctx, sandboxConnect, codec)
	}
	return transport.NewStream(os.Stdin, os.Stdout, codec, nil), nil
}
