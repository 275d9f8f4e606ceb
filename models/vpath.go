package models

import (
	"strings"
)

/*
	Virtual paths look like

		|root_uid|container_uid|/path/inside/container

	The pipe delimited chain starts at the root firmware and ends with the
	container the object was extracted from. A chain of length one means the
	object sits directly inside the root.
*/

// VirtualPath is the parsed form of a virtual path string.
type VirtualPath struct {
	Chain []string
	Path  string
}

// Root returns the first element of the chain, or "" if there is none.
func (vp VirtualPath) Root() string {
	if len(vp.Chain) == 0 {
		return ""
	}
	return vp.Chain[0]
}

// Parent returns the innermost container of the chain.
func (vp VirtualPath) Parent() string {
	if len(vp.Chain) == 0 {
		return ""
	}
	return vp.Chain[len(vp.Chain)-1]
}

// Segments splits Path on "/" dropping empty elements.
func (vp VirtualPath) Segments() []string {
	var out []string
	for _, s := range strings.Split(vp.Path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (vp VirtualPath) String() string {
	return FormatVirtualPath(vp.Chain, vp.Path)
}

// ParseVirtualPath never fails; a string without a chain yields an empty
// chain and the whole string as path.
func ParseVirtualPath(raw string) VirtualPath {
	if !strings.HasPrefix(raw, "|") {
		return VirtualPath{Path: ensureLeadingSlash(raw)}
	}
	end := strings.LastIndex(raw, "|")
	if end == 0 {
		return VirtualPath{Path: ensureLeadingSlash(raw[1:])}
	}
	var chain []string
	for _, uid := range strings.Split(raw[1:end], "|") {
		if uid != "" {
			chain = append(chain, uid)
		}
	}
	return VirtualPath{Chain: chain, Path: ensureLeadingSlash(raw[end+1:])}
}

// FormatVirtualPath renders a chain and an in-container path.
func FormatVirtualPath(chain []string, path string) string {
	var sb strings.Builder
	sb.WriteString("|")
	for _, uid := range chain {
		sb.WriteString(uid)
		sb.WriteString("|")
	}
	sb.WriteString(ensureLeadingSlash(path))
	return sb.String()
}

// ChildVirtualPath derives the path of an object extracted from parent at
// innerPath. Each of the parent's paths under root contributes one chain.
func ChildVirtualPath(parent *FileObject, rootUID, innerPath string) []string {
	chains := [][]string{}
	for _, raw := range parent.VirtualFilePath[rootUID] {
		vp := ParseVirtualPath(raw)
		chain := append([]string{}, vp.Chain...)
		if vp.Parent() != parent.UID {
			chain = append(chain, parent.UID)
		}
		chains = append(chains, chain)
	}
	if len(chains) == 0 {
		chain := []string{rootUID}
		if parent.UID != rootUID {
			chain = append(chain, parent.UID)
		}
		chains = append(chains, chain)
	}
	out := make([]string, 0, len(chains))
	for _, c := range chains {
		p := FormatVirtualPath(c, innerPath)
		dup := false
		for _, existing := range out {
			if existing == p {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
