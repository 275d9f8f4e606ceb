package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type treeNode struct {
	UID         string     `json:"uid"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Size        int64      `json:"size"`
	Virtual     bool       `json:"virtual"`
	HasChildren bool       `json:"has_children"`
	Truncated   bool       `json:"truncated"`
	Children    []treeNode `json:"children"`
}

var (
	dirStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true)
	fileStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("230"))
	metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	cycleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	moreStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Italic(true)
)

var (
	treeRoot  string
	treeDepth int
	treeUIDs  bool
)

var treeCmd = &cobra.Command{
	Use:   "tree <uid>",
	Short: "Print the file tree of a firmware or container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp struct {
			Nodes []treeNode `json:"nodes"`
		}
		if err := c.Tree(args[0], treeRoot, treeDepth, &resp); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderTree(resp.Nodes, treeUIDs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(treeCmd)
	treeCmd.Flags().StringVar(&treeRoot, "root", "", "Root firmware whose paths are shown (default: the uid itself)")
	treeCmd.Flags().IntVarP(&treeDepth, "depth", "d", 0, "Levels to expand, 0 for the server default")
	treeCmd.Flags().BoolVar(&treeUIDs, "uids", false, "Show object UIDs")
}

// renderTree draws nodes with box drawing connectors, one line per node.
func renderTree(nodes []treeNode, showUIDs bool) string {
	var sb strings.Builder
	type item struct {
		node   treeNode
		prefix string
		last   bool
		top    bool
	}
	stack := make([]item, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, item{node: nodes[i], last: i == len(nodes)-1, top: true})
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		connector, childPrefix := "", ""
		if !it.top {
			connector = "├── "
			childPrefix = it.prefix + "│   "
			if it.last {
				connector = "└── "
				childPrefix = it.prefix + "    "
			}
		}
		sb.WriteString(it.prefix + connector + nodeLabel(it.node, showUIDs) + "\n")

		children := it.node.Children
		if len(children) == 0 && it.node.HasChildren && !it.node.Truncated {
			sb.WriteString(childPrefix + "└── " + moreStyle.Render("…") + "\n")
			continue
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, item{node: children[i], prefix: childPrefix, last: i == len(children)-1})
		}
	}
	return sb.String()
}

func nodeLabel(n treeNode, showUIDs bool) string {
	switch {
	case n.Virtual:
		return dirStyle.Render(n.Name + "/")
	case n.Truncated:
		return cycleStyle.Render(n.Name) + metaStyle.Render(" (already shown above)")
	}
	label := fileStyle.Render(n.Name) + metaStyle.Render(fmt.Sprintf(" [%s, %s]", n.Type, humanSize(n.Size)))
	if showUIDs {
		label += metaStyle.Render(" " + n.UID)
	}
	return label
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
