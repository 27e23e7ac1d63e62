package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/capassure/capcore/pkg/caperrors"
)

// JSONStore persists the whole registry as one JSON document. Writers are
// serialised behind mu; readers share it. Every save rewrites the file
// through a temp-file rename so a crash never leaves a torn registry.
type JSONStore struct {
	mu   sync.RWMutex
	path string
}

// NewJSONStore opens (creating lazily on first save) a JSON registry at
// path.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) Load() (*Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked()
}

func (s *JSONStore) loadLocked() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Registry{Version: "cap-registry.v1", Entries: []Entry{}}, nil
	}
	if err != nil {
		return nil, caperrors.StorageIO("registry: read %s: %v", filepath.Base(s.path), err)
	}
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, caperrors.StorageCorruption("registry: %s is not valid JSON: %v", filepath.Base(s.path), err)
	}
	if r.Entries == nil {
		r.Entries = []Entry{}
	}
	return &r, nil
}

func (s *JSONStore) Save(r *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *JSONStore) saveLocked(r *Registry) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return caperrors.Canonicalisation("registry", "failed to marshal registry: %v", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return caperrors.StorageIO("registry: write %s: %v", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return caperrors.StorageIO("registry: rename %s: %v", filepath.Base(s.path), err)
	}
	return nil
}

func (s *JSONStore) AddEntry(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, existing := range r.Entries {
		if existing.ManifestHash == e.ManifestHash && existing.ProofHash == e.ProofHash {
			if sameEntry(existing, e) {
				return nil
			}
			return caperrors.HashConflict("manifest_hash,proof_hash")
		}
	}
	r.Entries = append(r.Entries, e)
	return s.saveLocked(r)
}

func (s *JSONStore) FindByHashes(manifestHash, proofHash string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.loadLocked()
	if err != nil {
		return nil, false, err
	}
	for i := range r.Entries {
		if r.Entries[i].ManifestHash == manifestHash && r.Entries[i].ProofHash == proofHash {
			cp := r.Entries[i]
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *JSONStore) List(filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(r.Entries))
	for _, e := range r.Entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *JSONStore) Close() error { return nil }
