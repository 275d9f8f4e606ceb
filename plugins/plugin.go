package plugins

import (
	"context"
	"slices"

	"github.com/InsulaLabs/fact/models"
)

// Descriptor is the static declaration of a plugin. It must not change once
// the plugin is registered.
type Descriptor struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies"`

	// MimeWhitelist lists the mime types the plugin applies to. Empty means all.
	MimeWhitelist []string `json:"mime_whitelist,omitempty"`
}

// Applies reports whether the plugin should run on an object of mime type.
func (d Descriptor) Applies(mime string) bool {
	return len(d.MimeWhitelist) == 0 || slices.Contains(d.MimeWhitelist, mime)
}

/*
	A Plugin is one analysis capability. Process receives the object with its
	binary loaded and the results of every declared dependency already present
	in ProcessedAnalysis. It must only read the object.

	Plugins are never invoked by the scheduler directly. They run inside a
	worker that received the task over the intercom channel.
*/
type Plugin interface {
	Descriptor() Descriptor
	Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error)
}

// FuncPlugin turns a descriptor and a function into a Plugin. A nil Fn
// yields an empty result.
type FuncPlugin struct {
	Desc Descriptor
	Fn   func(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error)
}

func (p *FuncPlugin) Descriptor() Descriptor {
	return p.Desc
}

func (p *FuncPlugin) Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
	if p.Fn == nil {
		return models.AnalysisResult{}, nil
	}
	return p.Fn(ctx, fo)
}
