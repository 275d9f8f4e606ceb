package filetree

import (
	"context"
)

// Projection is a fully expanded, serialisable copy of a subtree.
type Projection struct {
	*Node
	Children []*Projection `json:"children,omitempty"`
}

// Expand walks the tree for startUID down to maxDepth levels (0 means no
// limit). Nodes at the depth limit keep HasChildren but carry no children.
func (b *Builder) Expand(ctx context.Context, startUID, rootUID string, maxDepth int) ([]*Projection, error) {
	var out []*Projection
	for node, err := range b.Build(ctx, startUID, rootUID) {
		if err != nil {
			return nil, err
		}
		p, err := expand(ctx, node, 1, maxDepth)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type frame struct {
	proj  *Projection
	depth int
}

// expand uses an explicit stack so deep container nesting does not grow the
// goroutine stack.
func expand(ctx context.Context, node *Node, depth, maxDepth int) (*Projection, error) {
	root := &Projection{Node: node}
	stack := []frame{{root, depth}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !f.proj.HasChildren || (maxDepth > 0 && f.depth >= maxDepth) {
			continue
		}
		children, err := f.proj.Node.Children(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			cp := &Projection{Node: c}
			f.proj.Children = append(f.proj.Children, cp)
			stack = append(stack, frame{cp, f.depth + 1})
		}
	}
	return root, nil
}
