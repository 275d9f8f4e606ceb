package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/InsulaLabs/fact/client"
	"github.com/InsulaLabs/fact/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newClient builds a factd API client for --server or the configured binding.
func newClient() (*client.Client, error) {
	base, err := baseURL()
	if err != nil {
		return nil, err
	}
	return client.NewClient(&client.Config{BaseURL: base, Timeout: 60 * time.Second, Logger: quietLogger()})
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running factd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, err := c.Status()
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), *status)
		return nil
	},
}

func printStatus(w io.Writer, status models.StatusResponse) {
	ok := color.New(color.FgHiGreen)
	bad := color.New(color.FgHiRed)
	for _, component := range []string{"frontend", "database", "backend"} {
		cs := status.SystemStatus[component]
		mark := ok
		if !cs.Healthy {
			mark = bad
		}
		mark.Fprintf(w, "%-9s", component)
		fmt.Fprintf(w, " %s", cs.Status)
		for _, key := range sortedKeys(cs.Counts) {
			fmt.Fprintf(w, " %s=%d", key, cs.Counts[key])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d plugins available\n", len(status.Plugins))
}

var (
	submitPluginSet string
	submitPlugins   []string
	submitForce     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <manifest.json>",
	Short: "Upload a firmware manifest and start its analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var m models.UploadManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("invalid manifest %s: %w", args[0], err)
		}
		if submitPluginSet != "" {
			m.PluginSet = submitPluginSet
		}
		if len(submitPlugins) > 0 {
			m.Plugins = submitPlugins
		}
		m.Force = m.Force || submitForce

		c, err := newClient()
		if err != nil {
			return err
		}
		up, err := c.SubmitFirmware(&m)
		if err != nil {
			return err
		}
		color.New(color.FgHiGreen).Fprintf(cmd.OutOrStdout(), "accepted %s\n", up.UID)
		fmt.Fprintf(cmd.OutOrStdout(), "run %s with %d tasks\n", up.RunID, up.Tasks)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show the progress of a scheduling run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var summary struct {
			RunID   string         `json:"run_id"`
			RootUID string         `json:"root_uid"`
			State   string         `json:"state"`
			Counts  map[string]int `json:"counts"`
			Error   string         `json:"error"`
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Run(args[0], &summary); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s (root %s)\n", summary.RunID, summary.State, summary.RootUID)
		for _, key := range sortedKeys(summary.Counts) {
			fmt.Fprintf(w, "  %-10s %d\n", key, summary.Counts[key])
		}
		if summary.Error != "" {
			color.New(color.FgHiRed).Fprintf(w, "  error: %s\n", summary.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)

	submitCmd.Flags().StringVar(&submitPluginSet, "plugin-set", "", "Named plugin set to run")
	submitCmd.Flags().StringSliceVar(&submitPlugins, "plugins", nil, "Explicit plugin list, overrides --plugin-set")
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "Re-run plugins that already have a current result")
}
