package builtin

import (
	"context"

	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
)

// PrintableStrings extracts runs of printable ASCII of at least MinLength
// bytes, keeping at most MaxStrings distinct ones in order of appearance.
type PrintableStrings struct {
	MinLength  int
	MaxStrings int
}

func (p *PrintableStrings) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:        NamePrintableStrings,
		Description: "extract printable strings",
		Version:     "0.3",
	}
}

func (p *PrintableStrings) Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
	found := extractStrings(fo.Binary, max(p.MinLength, 1))

	seen := map[string]bool{}
	out := []string{}
	for _, s := range found {
		if seen[s] {
			continue
		}
		seen[s] = true
		if p.MaxStrings > 0 && len(out) >= p.MaxStrings {
			break
		}
		out = append(out, s)
	}
	return models.AnalysisResult{
		"strings": out,
		"count":   len(found),
	}, nil
}

func extractStrings(data []byte, minLength int) []string {
	var out []string
	start := -1
	for i, b := range data {
		if b >= 0x20 && b < 0x7f || b == '\t' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minLength {
			out = append(out, string(data[start:i]))
		}
		start = -1
	}
	if start >= 0 && len(data)-start >= minLength {
		out = append(out, string(data[start:]))
	}
	return out
}

// stringsFrom reads the strings list back out of a stored result, which may
// have been through a json round trip.
func stringsFrom(result models.AnalysisResult) []string {
	switch v := result["strings"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
