package main

import (
	"fmt"
	"os"

	"github.com/InsulaLabs/fact/config"
	"github.com/spf13/cobra"
)

var (
	configFile string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "factctl",
	Short: "Inspect and drive a fact firmware analysis deployment",
	Long: `factctl lists and resolves analysis plugins locally, and talks to a running
factd over its REST API to submit firmware, browse file trees and check status.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "fact.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "factd base URL (default http://<http.binding>)")
}

// loadConfig reads the config named by --config.
func loadConfig() (*config.Config, error) {
	return config.LoadConfig(configFile)
}

// baseURL is --server or derived from the configured binding.
func baseURL() (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("no --server given and %w", err)
	}
	return "http://" + cfg.HTTP.Binding, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
