// Package bundle assembles and parses cap-proof.v1.0 bundle directories:
// a manifest, a proof, role-hashed metadata, and optional registry,
// timestamp, and hosted-verifier artifacts, suitable for offline review.
package bundle

import (
	"archive/zip"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/proof"
	"github.com/capassure/capcore/pkg/registry"
	"github.com/capassure/capcore/pkg/timestamp"
	"github.com/capassure/capcore/pkg/verifier"
)

// BundleVersion is the _meta.json version tag.
const BundleVersion = "cap-proof.v1.0"

// File roles inside a bundle. Each present file gets a "<role>_sha3" hash
// entry in _meta.json.
const (
	RoleManifest  = "manifest"
	RoleProof     = "proof"
	RoleTimestamp = "timestamp"
	RoleRegistry  = "registry"
	RoleWasm      = "verifier_wasm"
	RoleExecutor  = "executor"
	RoleReport    = "report"
	RoleReadme    = "readme"
)

// Meta is _meta.json: the role → filename map and role → SHA3-256 hash
// map for every file in the bundle. Missing optional files map to null.
type Meta struct {
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Files     map[string]*string `json:"files"`
	Hashes    map[string]string  `json:"hashes"`
}

// Artifacts is everything a bundle can carry. Manifest and Proof are
// required; the rest is optional.
type Artifacts struct {
	Manifest     manifest.Manifest
	Proof        proof.Proof
	CapzBytes    []byte // when set, proof.capz is written instead of proof.dat
	Registry     *registry.Registry
	Timestamp    *timestamp.Token
	VerifierWasm []byte
	Executor     map[string]interface{}
	Report       *verifier.Report
	Readme       string
}

type bundleFile struct {
	role string
	name string
	data []byte
}

func assemble(a Artifacts) ([]bundleFile, error) {
	manifestJSON, err := canonicalize.JCS(a.Manifest)
	if err != nil {
		return nil, caperrors.Canonicalisation("manifest", "failed to canonicalise manifest: %v", err)
	}
	files := []bundleFile{{RoleManifest, "manifest.json", manifestJSON}}

	if a.CapzBytes != nil {
		files = append(files, bundleFile{RoleProof, "proof.capz", a.CapzBytes})
	} else {
		proofJSON, err := canonicalize.JCS(a.Proof)
		if err != nil {
			return nil, caperrors.Canonicalisation("proof", "failed to canonicalise proof: %v", err)
		}
		encoded := base64.StdEncoding.EncodeToString(proofJSON)
		files = append(files, bundleFile{RoleProof, "proof.dat", []byte(encoded)})
	}

	if a.Timestamp != nil {
		tsJSON, err := json.MarshalIndent(a.Timestamp, "", "  ")
		if err != nil {
			return nil, caperrors.Canonicalisation("timestamp", "failed to marshal timestamp: %v", err)
		}
		files = append(files, bundleFile{RoleTimestamp, "timestamp.tsr", tsJSON})
	}

	if a.Registry != nil {
		regJSON, err := json.MarshalIndent(a.Registry, "", "  ")
		if err != nil {
			return nil, caperrors.Canonicalisation("registry", "failed to marshal registry: %v", err)
		}
		files = append(files, bundleFile{RoleRegistry, "registry.json", regJSON})
	}

	if a.VerifierWasm != nil {
		files = append(files, bundleFile{RoleWasm, "verifier.wasm", a.VerifierWasm})
	}

	if a.Executor != nil {
		execJSON, err := json.MarshalIndent(a.Executor, "", "  ")
		if err != nil {
			return nil, caperrors.Canonicalisation("executor", "failed to marshal executor config: %v", err)
		}
		files = append(files, bundleFile{RoleExecutor, "executor.json", execJSON})
	}

	if a.Report != nil {
		reportJSON, err := json.MarshalIndent(a.Report, "", "  ")
		if err != nil {
			return nil, caperrors.Canonicalisation("report", "failed to marshal verification report: %v", err)
		}
		files = append(files, bundleFile{RoleReport, "verification.report.json", reportJSON})
	}

	if a.Readme != "" {
		files = append(files, bundleFile{RoleReadme, "README.txt", []byte(a.Readme)})
	}

	return files, nil
}

func buildMeta(files []bundleFile) Meta {
	meta := Meta{
		Version:   BundleVersion,
		CreatedAt: time.Now().UTC(),
		Files:     make(map[string]*string),
		Hashes:    make(map[string]string),
	}
	for _, role := range []string{RoleManifest, RoleProof, RoleTimestamp, RoleRegistry, RoleWasm, RoleExecutor, RoleReport, RoleReadme} {
		meta.Files[role] = nil
	}
	for _, f := range files {
		name := f.name
		meta.Files[f.role] = &name
		meta.Hashes[f.role+"_sha3"] = canonicalize.SHA3Hex(f.data)
	}
	return meta
}

// Write assembles a bundle directory at dir, writing every artifact plus
// _meta.json with the SHA3-256 of each file's bytes.
func Write(dir string, a Artifacts) (*Meta, error) {
	files, err := assemble(a)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, caperrors.StorageIO("bundle: mkdir: %v", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o600); err != nil {
			return nil, caperrors.StorageIO("bundle: write %s: %v", f.name, err)
		}
	}

	meta := buildMeta(files)
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, caperrors.Canonicalisation("_meta", "failed to marshal bundle meta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "_meta.json"), metaJSON, 0o600); err != nil {
		return nil, caperrors.StorageIO("bundle: write _meta.json: %v", err)
	}
	return &meta, nil
}

// WriteZip assembles the bundle as a single ZIP archive at zipPath.
func WriteZip(zipPath string, a Artifacts) (*Meta, error) {
	files, err := assemble(a)
	if err != nil {
		return nil, err
	}
	meta := buildMeta(files)
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, caperrors.Canonicalisation("_meta", "failed to marshal bundle meta: %v", err)
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return nil, caperrors.StorageIO("bundle: create zip: %v", err)
	}
	w := zip.NewWriter(out)

	names := append([]bundleFile{}, files...)
	names = append(names, bundleFile{role: "_meta", name: "_meta.json", data: metaJSON})
	sort.Slice(names, func(i, j int) bool { return names[i].name < names[j].name })

	for _, f := range names {
		zf, err := w.Create(f.name)
		if err != nil {
			_ = w.Close()
			_ = out.Close()
			return nil, caperrors.StorageIO("bundle: zip create %s: %v", f.name, err)
		}
		if _, err := zf.Write(f.data); err != nil {
			_ = w.Close()
			_ = out.Close()
			return nil, caperrors.StorageIO("bundle: zip write %s: %v", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return nil, caperrors.StorageIO("bundle: zip close: %v", err)
	}
	if err := out.Close(); err != nil {
		return nil, caperrors.StorageIO("bundle: zip close: %v", err)
	}
	return &meta, nil
}
