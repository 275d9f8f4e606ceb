package builtin

import (
	"bytes"
	"context"
	"encoding/pem"
	"fmt"
	"slices"
	"strings"

	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"golang.org/x/crypto/ssh"
)

// CryptoMaterial looks for embedded keys and certificates: PEM blocks in the
// raw content and authorized_keys style lines among the printable strings.
type CryptoMaterial struct{}

func (p *CryptoMaterial) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:         NameCryptoMaterial,
		Description:  "detects crypto material like SSH keys and SSL certificates",
		Version:      "0.5",
		Dependencies: []string{NamePrintableStrings},
	}
}

func (p *CryptoMaterial) Process(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
	dep, ok := fo.ProcessedAnalysis[NamePrintableStrings]
	if !ok || dep.Status != models.AnalysisStatusDone {
		return nil, fmt.Errorf("missing %s result", NamePrintableStrings)
	}

	blocks := []string{}
	privateKeys := 0
	certificates := 0
	rest := fo.Binary
	for {
		idx := bytes.Index(rest, []byte("-----BEGIN "))
		if idx < 0 {
			break
		}
		block, remainder := pem.Decode(rest[idx:])
		if block == nil {
			rest = rest[idx+len("-----BEGIN "):]
			continue
		}
		blocks = append(blocks, block.Type)
		switch {
		case strings.Contains(block.Type, "PRIVATE KEY"):
			privateKeys++
		case block.Type == "CERTIFICATE":
			certificates++
		}
		rest = remainder
	}

	sshKeys := []string{}
	for _, s := range stringsFrom(dep.Result) {
		if !strings.HasPrefix(s, "ssh-") && !strings.HasPrefix(s, "ecdsa-") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			continue
		}
		sshKeys = append(sshKeys, ssh.FingerprintSHA256(key))
	}
	slices.Sort(sshKeys)
	sshKeys = slices.Compact(sshKeys)

	return models.AnalysisResult{
		"pem_blocks":      blocks,
		"private_keys":    privateKeys,
		"certificates":    certificates,
		"ssh_public_keys": sshKeys,
	}, nil
}
