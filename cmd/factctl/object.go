package main

import (
	"fmt"

	"github.com/InsulaLabs/fact/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var objectRoot string

var objectCmd = &cobra.Command{
	Use:   "object <uid>",
	Short: "Show a file object, its analyses and where it was found",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		obj, err := c.FileObject(args[0], objectRoot)
		if err != nil {
			return err
		}
		parents, err := c.Parents(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fo := obj.Object
		color.New(color.FgHiCyan).Fprintf(w, "%s\n", obj.HID)
		fmt.Fprintf(w, "  uid:  %s\n  type: %s\n  size: %s\n", fo.UID, fo.MimeType, humanSize(fo.Size))
		for _, root := range sortedKeys(fo.VirtualFilePath) {
			for _, vp := range fo.VirtualFilePath[root] {
				fmt.Fprintf(w, "  path: %s\n", vp)
			}
		}
		for _, p := range parents.Parents {
			fmt.Fprintf(w, "  parent: %s\n", p)
		}
		for _, name := range sortedKeys(fo.ProcessedAnalysis) {
			entry := fo.ProcessedAnalysis[name]
			mark := color.New(color.FgHiGreen)
			if entry.Status != models.AnalysisStatusDone {
				mark = color.New(color.FgHiRed)
			}
			mark.Fprintf(w, "  %-20s", name)
			fmt.Fprintf(w, " %s %s", entry.Status, entry.PluginVersion)
			if entry.FailureReason != "" {
				fmt.Fprintf(w, " (%s)", entry.FailureReason)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

var missingCmd = &cobra.Command{
	Use:   "missing",
	Short: "List analyses that are missing, failed or orphaned",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.MissingAnalyses()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		printed := false
		for _, section := range []struct {
			title string
			items map[string][]string
		}{
			{"missing", report.Missing},
			{"failed", report.Failed},
			{"orphaned", report.Orphaned},
		} {
			for _, uid := range sortedKeys(section.items) {
				fmt.Fprintf(w, "%-8s %s %v\n", section.title, uid, section.items[uid])
				printed = true
			}
		}
		if !printed {
			color.New(color.FgHiGreen).Fprintln(w, "nothing missing")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(missingCmd)
	objectCmd.Flags().StringVar(&objectRoot, "root", "", "Root firmware used for the display name")
}
