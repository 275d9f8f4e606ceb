// Package builtin holds the analysis plugins shipped with fact.
package builtin

import (
	"github.com/InsulaLabs/fact/plugins"
)

const (
	NameFileType         = "file_type"
	NameFileHashes       = "file_hashes"
	NamePrintableStrings = "printable_strings"
	NameCryptoMaterial   = "crypto_material"
	NameELFAnalysis      = "elf_analysis"
)

// Catalog returns one instance of every built in plugin.
func Catalog() []plugins.Plugin {
	return []plugins.Plugin{
		&FileType{},
		&FileHashes{},
		&PrintableStrings{MinLength: 8, MaxStrings: 1024},
		&CryptoMaterial{},
		&ELFAnalysis{},
	}
}

// Enabled returns the catalog entries named in names, in catalog order.
// Empty names selects the whole catalog.
func Enabled(names []string) ([]plugins.Plugin, error) {
	catalog := Catalog()
	if len(names) == 0 {
		return catalog, nil
	}
	byName := make(map[string]plugins.Plugin, len(catalog))
	for _, p := range catalog {
		byName[p.Descriptor().Name] = p
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := byName[name]; !ok {
			return nil, &plugins.NotFoundError{Name: name}
		}
		wanted[name] = true
	}
	out := make([]plugins.Plugin, 0, len(wanted))
	for _, p := range catalog {
		if wanted[p.Descriptor().Name] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Register adds the enabled plugins to r.
func Register(r *plugins.Registry, names []string) error {
	enabled, err := Enabled(names)
	if err != nil {
		return err
	}
	for _, p := range enabled {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}
