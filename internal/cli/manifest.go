package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sandbridge/pkg/host"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Work with plugin manifests",
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a plugin manifest",
	Long: `Validate a plugin manifest against the schema, the host version and the
permissions granted to the plugin in the config file.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifestValidate,
}

func init() {
	manifestCmd.AddCommand(manifestValidateCmd)
	rootCmd.AddCommand(manifestCmd)
}

func runManifestValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	loader := host.NewManifestLoader(zerolog.Nop(), host.WithHookPrefix(cfg.Host.HookPrefix))
	m, err := loader.Load(args[0])
	if err != nil {
		return err
	}
	if err := m.CheckCompatibility(cfg.Host.Version); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Plugin: %s (%s)\n", m.ID, m.Name)
	if m.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", m.Version)
	}
	fmt.Fprintln(out, "Requested permissions:")
	for _, p := range m.RequestedPermissions() {
		fmt.Fprintf(out, "  %s\n", p)
	}

	if err := m.CheckGranted(cfg.Host.GrantsFor(m.ID)); err != nil {
		return err
	}
	fmt.Fprintln(out, "Manifest is valid")
	return nil
}
