package filetree

import (
	"context"
	"iter"
	"maps"
	"slices"

	"github.com/InsulaLabs/fact/models"
)

const (
	TypeDirectory = "directory"
	TypeCycle     = "cycle"
	TypeUnknown   = "unknown"
)

// ObjectSource is the read side of the object store the builder needs.
type ObjectSource interface {
	GetObject(uid string) (*models.FileObject, error)
}

/*
	FallbackFunc picks the in-container paths for an object that has no
	usable virtual path under rootUID. It must return at least one path.
	This is where the policy for objects recorded under other roots (or
	under several parents) lives.
*/
type FallbackFunc func(fo *models.FileObject, rootUID string) []string

// BareNameFallback places the object directly under the root by file name.
func BareNameFallback(fo *models.FileObject, rootUID string) []string {
	name := fo.FileName
	if name == "" {
		name = fo.UID
	}
	return []string{"/" + name}
}

// FirstRecordedFallback reuses the first path recorded under any other
// root, ordered by root UID, and falls back to the bare name.
func FirstRecordedFallback(fo *models.FileObject, rootUID string) []string {
	for _, root := range fo.Roots() {
		if paths := fo.VirtualFilePath[root]; len(paths) > 0 {
			return []string{models.ParseVirtualPath(paths[0]).Path}
		}
	}
	return BareNameFallback(fo, rootUID)
}

type Option func(*Builder)

func WithFallback(fn FallbackFunc) Option {
	return func(b *Builder) {
		b.fallback = fn
	}
}

// Builder reconstructs a browsable tree from the flat virtual path lists
// stored on each object. It holds no state of its own, so every Build call
// reflects whatever the source holds at that moment.
type Builder struct {
	src      ObjectSource
	fallback FallbackFunc
}

func NewBuilder(src ObjectSource, opts ...Option) *Builder {
	b := &Builder{
		src:      src,
		fallback: BareNameFallback,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Node is one entry of the tree. Virtual nodes are path segments that do
// not correspond to an object; their children are known up front. Object
// nodes load their children (the directly contained objects) on demand.
type Node struct {
	UID         string `json:"uid,omitempty"`
	RootUID     string `json:"root_uid"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        int64  `json:"size,omitempty"`
	Virtual     bool   `json:"virtual"`
	HasChildren bool   `json:"has_children"`

	// Truncated marks a repeated object on the current branch. It has no
	// children even if the object contains others.
	Truncated bool `json:"truncated,omitempty"`

	builder   *Builder
	children  []*Node
	included  []string
	ancestors map[string]bool
}

// Children returns the child nodes, sorted with directories first.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	if n.Virtual || n.Truncated || !n.HasChildren {
		return n.children, nil
	}

	ancestors := maps.Clone(n.ancestors)
	ancestors[n.UID] = true

	var out []*Node
	for _, childUID := range n.included {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ancestors[childUID] {
			out = append(out, n.builder.cycleMarker(childUID, n.RootUID))
			continue
		}
		child, err := n.builder.src.GetObject(childUID)
		if err != nil {
			return nil, err
		}
		out = append(out, n.builder.nodesFor(child, n.RootUID, n.UID, ancestors)...)
	}
	sortNodes(out)
	return out, nil
}

// Build yields the top level nodes for startUID as seen from rootUID. The
// sequence can be ranged over any number of times.
func (b *Builder) Build(ctx context.Context, startUID, rootUID string) iter.Seq2[*Node, error] {
	return func(yield func(*Node, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		fo, err := b.src.GetObject(startUID)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, node := range b.nodesFor(fo, rootUID, "", map[string]bool{}) {
			if !yield(node, nil) {
				return
			}
		}
	}
}

// nodesFor turns the paths of fo under rootUID into merged top level nodes.
// When parentUID is set only paths recorded inside that container are used.
func (b *Builder) nodesFor(fo *models.FileObject, rootUID, parentUID string, ancestors map[string]bool) []*Node {
	var paths []string
	for _, raw := range fo.VirtualFilePath[rootUID] {
		vp := models.ParseVirtualPath(raw)
		if parentUID != "" && vp.Parent() != parentUID {
			continue
		}
		paths = append(paths, vp.Path)
	}
	if len(paths) == 0 {
		paths = b.fallback(fo, rootUID)
	}

	top := &Node{Virtual: true}
	for _, p := range paths {
		segments := models.VirtualPath{Path: p}.Segments()
		if len(segments) == 0 {
			segments = []string{fo.FileName}
		}
		dir := top
		for _, seg := range segments[:len(segments)-1] {
			dir = dir.directory(seg, rootUID)
		}
		leafName := segments[len(segments)-1]
		if !dir.hasLeaf(leafName, fo.UID) {
			dir.children = append(dir.children, b.leaf(fo, leafName, rootUID, ancestors))
		}
	}
	sortTree(top)
	return top.children
}

func (b *Builder) leaf(fo *models.FileObject, name, rootUID string, ancestors map[string]bool) *Node {
	return &Node{
		UID:         fo.UID,
		RootUID:     rootUID,
		Name:        name,
		Type:        mimeOf(fo),
		Size:        fo.Size,
		HasChildren: len(fo.FilesIncluded) > 0,
		builder:     b,
		included:    slices.Sorted(slices.Values(fo.FilesIncluded)),
		ancestors:   ancestors,
	}
}

func (b *Builder) cycleMarker(uid, rootUID string) *Node {
	name := uid
	if fo, err := b.src.GetObject(uid); err == nil && fo.FileName != "" {
		name = fo.FileName
	}
	return &Node{
		UID:       uid,
		RootUID:   rootUID,
		Name:      name,
		Type:      TypeCycle,
		Truncated: true,
	}
}

func (n *Node) directory(name, rootUID string) *Node {
	for _, c := range n.children {
		if c.Virtual && c.Name == name {
			return c
		}
	}
	d := &Node{
		RootUID:     rootUID,
		Name:        name,
		Type:        TypeDirectory,
		Virtual:     true,
		HasChildren: true,
	}
	n.children = append(n.children, d)
	return d
}

func (n *Node) hasLeaf(name, uid string) bool {
	for _, c := range n.children {
		if !c.Virtual && c.Name == name && c.UID == uid {
			return true
		}
	}
	return false
}

// mimeOf prefers the stored mime, then the file_type analysis result.
func mimeOf(fo *models.FileObject) string {
	if fo.MimeType != "" {
		return fo.MimeType
	}
	if entry, ok := fo.ProcessedAnalysis["file_type"]; ok {
		if mime, ok := entry.Result["mime"].(string); ok && mime != "" {
			return mime
		}
	}
	return TypeUnknown
}

func sortTree(n *Node) {
	sortNodes(n.children)
	for _, c := range n.children {
		if c.Virtual {
			sortTree(c)
		}
	}
}

func sortNodes(nodes []*Node) {
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		if a.Virtual != b.Virtual {
			if a.Virtual {
				return -1
			}
			return 1
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		switch {
		case a.UID < b.UID:
			return -1
		case a.UID > b.UID:
			return 1
		}
		return 0
	})
}
