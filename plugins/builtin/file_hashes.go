package builtin

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

type FileHashes struct{}

func (p *FileHashes) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:        NameFileHashes,
		Description: "calculate different hash values of the file",
		Version:     "1.2",
	}
}

func (p *FileHashes) Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
	b2, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("blake2b: %w", err)
	}
	hashes := map[string]hash.Hash{
		"md5":         md5.New(),
		"sha1":        sha1.New(),
		"sha256":      sha256.New(),
		"sha512":      sha512.New(),
		"blake2b_256": b2,
		"sha3_256":    sha3.New256(),
	}

	result := models.AnalysisResult{}
	for name, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.Write(fo.Binary)
		result[name] = hex.EncodeToString(h.Sum(nil))
	}
	result["xxh64"] = strconv.FormatUint(xxhash.Sum64(fo.Binary), 16)
	return result, nil
}
