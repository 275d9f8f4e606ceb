package main

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/InsulaLabs/fact/plugins"
	"github.com/InsulaLabs/fact/plugins/builtin"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var resolveMime string

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the plugins enabled by the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := localRegistry()
		if err != nil {
			return err
		}
		printPlugins(cmd.OutOrStdout(), reg)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [plugin...]",
	Short: "Show the execution order for a set of plugins",
	Long: `Resolve prints the order plugins would run in for one object, dependencies
included. Without arguments the configured default plugin set is resolved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := localRegistry()
		if err != nil {
			return err
		}
		requested := args
		if len(requested) == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			requested, _ = cfg.PluginSet(cfg.Scheduler.PluginSet)
		}

		resolver := plugins.NewResolver(reg)
		var order []string
		if resolveMime != "" {
			order, err = resolver.ResolveFor(requested, resolveMime)
		} else {
			order, err = resolver.Resolve(requested)
		}
		if err != nil {
			return err
		}
		for i, name := range order {
			fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s\n", i+1, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVarP(&resolveMime, "mime", "m", "", "Apply the plugins' mime whitelists for this type")
	resolveCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var names []string
		for _, p := range builtin.Catalog() {
			if name := p.Descriptor().Name; strings.HasPrefix(name, toComplete) && !slices.Contains(args, name) {
				names = append(names, name)
			}
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	}
}

// localRegistry registers the plugins enabled in the config, or the whole
// catalog when no config can be read.
func localRegistry() (*plugins.Registry, error) {
	var enabled []string
	if cfg, err := loadConfig(); err == nil {
		enabled = cfg.Plugins.Enabled
	} else {
		color.HiYellow("using all built in plugins: %v", err)
	}
	reg := plugins.NewRegistry(quietLogger())
	if err := builtin.Register(reg, enabled); err != nil {
		return nil, err
	}
	return reg, nil
}

func printPlugins(w io.Writer, reg *plugins.Registry) {
	name := color.New(color.FgHiCyan, color.Bold)
	dim := color.New(color.FgHiBlack)
	descriptors := reg.Descriptors()
	for _, n := range slices.Sorted(maps.Keys(descriptors)) {
		d := descriptors[n]
		name.Fprintf(w, "%s", d.Name)
		fmt.Fprintf(w, " %s\n", d.Version)
		fmt.Fprintf(w, "    %s\n", d.Description)
		if len(d.Dependencies) > 0 {
			dim.Fprintf(w, "    depends on: %s\n", strings.Join(d.Dependencies, ", "))
		}
		if len(d.MimeWhitelist) > 0 {
			dim.Fprintf(w, "    only for: %s\n", strings.Join(d.MimeWhitelist, ", "))
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
