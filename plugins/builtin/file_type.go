package builtin

import (
	"context"

	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/pkg/magic"
	"github.com/InsulaLabs/fact/plugins"
)

type FileType struct{}

func (p *FileType) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:        NameFileType,
		Description: "identify the file type",
		Version:     "1.0",
	}
}

func (p *FileType) Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
	r := magic.Identify(fo.Binary)
	return models.AnalysisResult{
		"mime": r.Mime,
		"full": r.Full,
	}, nil
}
