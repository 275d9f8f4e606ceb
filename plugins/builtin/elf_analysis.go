package builtin

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"

	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/pkg/magic"
	"github.com/InsulaLabs/fact/plugins"
)

type ELFAnalysis struct{}

func (p *ELFAnalysis) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:          NameELFAnalysis,
		Description:   "analyzes and tags ELF executables and libraries",
		Version:       "0.3.1",
		Dependencies:  []string{NameFileType},
		MimeWhitelist: magic.ELFMimes(),
	}
}

func (p *ELFAnalysis) Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
	f, err := elf.NewFile(bytes.NewReader(fo.Binary))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	defer f.Close()

	sections := make([]string, 0, len(f.Sections))
	for _, s := range f.Sections {
		if s.Name != "" {
			sections = append(sections, s.Name)
		}
	}

	libraries, err := f.ImportedLibraries()
	if err != nil {
		libraries = nil
	}
	symbols, err := f.DynamicSymbols()
	if err != nil {
		symbols = nil
	}

	tags := []string{}
	if f.Type == elf.ET_DYN && f.Section(".interp") != nil {
		tags = append(tags, "pie")
	}
	if len(libraries) == 0 && f.Section(".dynamic") == nil {
		tags = append(tags, "static")
	}
	if f.Section(".symtab") == nil {
		tags = append(tags, "stripped")
	}

	return models.AnalysisResult{
		"class":           f.Class.String(),
		"machine":         f.Machine.String(),
		"type":            f.Type.String(),
		"entry":           fmt.Sprintf("0x%x", f.Entry),
		"sections":        sections,
		"libraries":       libraries,
		"dynamic_symbols": len(symbols),
		"tags":            tags,
	}, nil
}
