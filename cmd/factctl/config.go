package main

import (
	"fmt"
	"os"

	"github.com/InsulaLabs/fact/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var overwriteConfig bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and check configuration files",
}

var configNewCmd = &cobra.Command{
	Use:   "new <path>",
	Short: "Write a default configuration (.yaml or .toml)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !overwriteConfig {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
		if err := config.WriteConfig(config.GenerateConfig(), path); err != nil {
			return err
		}
		color.New(color.FgHiGreen).Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Load and validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.LoadConfig(path)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		color.New(color.FgHiGreen).Fprintf(w, "%s is valid\n", path)
		fmt.Fprintf(w, "  intercom: %s\n", cfg.Intercom.Mode)
		fmt.Fprintf(w, "  plugin set: %s\n", cfg.Scheduler.PluginSet)
		fmt.Fprintf(w, "  data: %s\n", cfg.ValuesDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configNewCmd)
	configCmd.AddCommand(configCheckCmd)
	configNewCmd.Flags().BoolVarP(&overwriteConfig, "force", "f", false, "Overwrite an existing file")
}
