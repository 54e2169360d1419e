package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/sandbridge/pkg/host"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sandbox status of a running host",
	Long:  `Show the sandboxes of a running host, their state and what each one registered.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "host address (default host.listen from the config file)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Host.Listen
	}

	statuses, err := fetchStatus(addr)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), statuses)
	return nil
}

func fetchStatus(addr string) ([]host.Status, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(addr, "/") + host.RoutePrefix + "status")
	if err != nil {
		return nil, fmt.Errorf("host is not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("host returned %s", resp.Status)
	}

	var statuses []host.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return statuses, nil
}

func printStatus(w io.Writer, statuses []host.Status) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No sandboxes running")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tSTATE\tROUTES\tHOOKS\tCRON\tPENDING")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", s.Name, s.State, len(s.Routes), len(s.Hooks), len(s.Cron), s.Outstanding)
	}
	tw.Flush()
}
