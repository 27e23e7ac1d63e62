package bundle

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/proof"
	"github.com/capassure/capcore/pkg/registry"
	"github.com/capassure/capcore/pkg/timestamp"
)

// Parsed is a bundle loaded into memory with every _meta.json hash
// validated against the file bytes.
type Parsed struct {
	Meta         Meta
	Manifest     manifest.Manifest
	Proof        proof.Proof
	Registry     *registry.Registry
	Timestamp    *timestamp.Token
	VerifierWasm []byte
}

// Parse reads a bundle directory, validates _meta.json hashes against the
// file bytes, and decodes the manifest and proof. A hash mismatch is
// reported against the tampered role.
func Parse(dir string) (*Parsed, error) {
	metaRaw, err := os.ReadFile(filepath.Join(dir, "_meta.json"))
	if err != nil {
		return nil, caperrors.StorageIO("bundle: read _meta.json: %v", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, caperrors.StorageCorruption("bundle: _meta.json: %v", err)
	}
	if meta.Version != BundleVersion {
		return nil, caperrors.SchemaValidation("version", "bundle: unsupported version %q", meta.Version)
	}

	p := &Parsed{Meta: meta}

	for role, namePtr := range meta.Files {
		if namePtr == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, *namePtr))
		if err != nil {
			return nil, caperrors.StorageIO("bundle: read %s: %v", *namePtr, err)
		}
		want, ok := meta.Hashes[role+"_sha3"]
		if !ok {
			return nil, caperrors.SchemaValidation(role, "bundle: present file %q has no hash entry", *namePtr)
		}
		if got := canonicalize.SHA3Hex(data); got != want {
			return nil, caperrors.HashMismatch(role, want, got)
		}
		if err := p.decodeRole(role, data); err != nil {
			return nil, err
		}
	}

	if meta.Files[RoleManifest] == nil {
		return nil, caperrors.SchemaValidation(RoleManifest, "bundle: missing manifest")
	}
	if meta.Files[RoleProof] == nil {
		return nil, caperrors.SchemaValidation(RoleProof, "bundle: missing proof")
	}

	return p, nil
}

func (p *Parsed) decodeRole(role string, data []byte) error {
	switch role {
	case RoleManifest:
		if err := json.Unmarshal(data, &p.Manifest); err != nil {
			return caperrors.StorageCorruption("bundle: manifest.json: %v", err)
		}
	case RoleProof:
		return p.decodeProof(data)
	case RoleRegistry:
		var r registry.Registry
		if err := json.Unmarshal(data, &r); err != nil {
			return caperrors.StorageCorruption("bundle: registry.json: %v", err)
		}
		p.Registry = &r
	case RoleTimestamp:
		var tok timestamp.Token
		if err := json.Unmarshal(data, &tok); err != nil {
			return caperrors.StorageCorruption("bundle: timestamp.tsr: %v", err)
		}
		p.Timestamp = &tok
	case RoleWasm:
		p.VerifierWasm = data
	}
	// executor, report and readme are carried for the operator, not
	// consumed by verification.
	return nil
}

func (p *Parsed) decodeProof(data []byte) error {
	name := ""
	if n := p.Meta.Files[RoleProof]; n != nil {
		name = *n
	}
	if strings.HasSuffix(name, ".capz") {
		_, decoded, err := proof.Decode(data)
		if err != nil {
			return err
		}
		p.Proof = decoded
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return caperrors.StorageCorruption("bundle: proof.dat is not valid base64: %v", err)
	}
	if err := json.Unmarshal(raw, &p.Proof); err != nil {
		return caperrors.StorageCorruption("bundle: proof payload: %v", err)
	}
	return nil
}
