// Package keystore implements the directory-backed KeyStore: key
// generation, the active→retired→archived / any→revoked rotation state
// machine, and attestation-chain verification.
package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/certification"
	"github.com/capassure/capcore/pkg/crypto"
)

// Status is a key's position in the rotation lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusRetired  Status = "retired"
	StatusArchived Status = "archived"
	StatusRevoked  Status = "revoked"
)

// Metadata is the cap-key.v1 record. The private key, when present, is
// held out-of-band by the store (never serialised alongside metadata).
type Metadata struct {
	Schema      string    `json:"schema"`
	KID         string    `json:"kid"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	Algorithm   string    `json:"algorithm"`
	Status      Status    `json:"status"`
	Usage       []string  `json:"usage"`
	PublicKeyB64 string   `json:"public_key_b64"`
	Fingerprint string    `json:"fingerprint"`
	Comment     string    `json:"comment,omitempty"`
}

// Filter narrows List.
type Filter struct {
	Owner  string
	Status Status
}

// KeyStore holds key metadata and the corresponding Ed25519 private keys.
// Writes are staged under mu: on any failure the pre-operation state is
// left untouched (no partial commits), matching the store's
// scoped-acquisition contract.
type KeyStore struct {
	mu       sync.Mutex
	dir      string
	meta     map[string]*Metadata
	signers  map[string]*crypto.Ed25519Signer
	attested []certification.Attestation
}

// New constructs an empty, purely in-memory KeyStore.
func New() *KeyStore {
	return &KeyStore{
		meta:    make(map[string]*Metadata),
		signers: make(map[string]*crypto.Ed25519Signer),
	}
}

// Open loads (or initialises) a directory-backed KeyStore. Layout:
// <dir>/active/<kid>.json, <dir>/archive/<kid>.json — each holding
// Metadata; the private key material lives only in memory once generated
// or is supplied by the caller via Import.
func Open(dir string) (*KeyStore, error) {
	ks := New()
	ks.dir = dir
	for _, sub := range []string{"active", "archive", "trusted"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, caperrors.StorageIO("keystore: mkdir %s: %v", sub, err)
		}
	}
	for _, sub := range []string{"active", "archive"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			return nil, caperrors.StorageIO("keystore: readdir %s: %v", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, sub, e.Name()))
			if err != nil {
				return nil, caperrors.StorageIO("keystore: read %s: %v", e.Name(), err)
			}
			var m Metadata
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, caperrors.StorageCorruption("keystore: %s: %v", e.Name(), err)
			}
			ks.meta[m.KID] = &m
		}
	}
	return ks, nil
}

func (ks *KeyStore) persistLocked(m *Metadata) error {
	if ks.dir == "" {
		return nil
	}
	sub := "active"
	if m.Status == StatusArchived || m.Status == StatusRevoked {
		sub = "archive"
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(ks.dir, sub, m.KID+".json.tmp")
	final := filepath.Join(ks.dir, sub, m.KID+".json")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return caperrors.StorageIO("keystore: write %s: %v", m.KID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return caperrors.StorageIO("keystore: rename %s: %v", m.KID, err)
	}
	return nil
}

// Keygen generates a new active key for owner, valid for validDays from
// now, with the given usage tags.
func (ks *KeyStore) Keygen(owner string, validDays int, usage []string) (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	signer, err := crypto.NewEd25519Signer("")
	if err != nil {
		return "", err
	}
	kid := crypto.DeriveKID(signer.PublicKeyBytes())
	signer.KeyID = kid

	now := time.Now().UTC()
	m := &Metadata{
		Schema:       "cap-key.v1",
		KID:          kid,
		Owner:        owner,
		CreatedAt:    now,
		ValidFrom:    now,
		ValidTo:      now.AddDate(0, 0, validDays),
		Algorithm:    "ed25519",
		Status:       StatusActive,
		Usage:        usage,
		PublicKeyB64: signer.PublicKeyB64(),
		Fingerprint:  crypto.DeriveFingerprint(signer.PublicKeyBytes()),
	}

	if err := ks.persistLocked(m); err != nil {
		return "", err
	}
	ks.meta[kid] = m
	ks.signers[kid] = signer

	return kid, nil
}

// Import registers existing Ed25519 private key material for owner,
// deriving the KID and metadata from the key itself.
func (ks *KeyStore) Import(owner string, priv ed25519.PrivateKey, validDays int, usage []string) (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	signer := crypto.NewEd25519SignerFromKey(priv, "")
	kid := crypto.DeriveKID(signer.PublicKeyBytes())
	signer.KeyID = kid

	if _, exists := ks.meta[kid]; exists {
		return kid, nil
	}

	now := time.Now().UTC()
	m := &Metadata{
		Schema:       "cap-key.v1",
		KID:          kid,
		Owner:        owner,
		CreatedAt:    now,
		ValidFrom:    now,
		ValidTo:      now.AddDate(0, 0, validDays),
		Algorithm:    "ed25519",
		Status:       StatusActive,
		Usage:        usage,
		PublicKeyB64: signer.PublicKeyB64(),
		Fingerprint:  crypto.DeriveFingerprint(signer.PublicKeyBytes()),
	}
	if err := ks.persistLocked(m); err != nil {
		return "", err
	}
	ks.meta[kid] = m
	ks.signers[kid] = signer
	return kid, nil
}

// List returns metadata matching filter.
func (ks *KeyStore) List(filter Filter) []Metadata {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]Metadata, 0)
	for _, m := range ks.meta {
		if filter.Owner != "" && m.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// FindByKID returns the metadata for kid, if present.
func (ks *KeyStore) FindByKID(kid string) (*Metadata, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	m, ok := ks.meta[kid]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// GetActive returns the active key for owner, if one exists.
func (ks *KeyStore) GetActive(owner string) (*Metadata, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, m := range ks.meta {
		if m.Owner == owner && m.Status == StatusActive {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

// Signer returns the Ed25519Signer for kid, if this store holds its
// private key material.
func (ks *KeyStore) Signer(kid string) (*crypto.Ed25519Signer, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s, ok := ks.signers[kid]
	return s, ok
}

// Archive transitions a retired key to archived.
func (ks *KeyStore) Archive(kid string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	m, ok := ks.meta[kid]
	if !ok {
		return caperrors.Domain("keystore: unknown kid %q", kid)
	}
	if m.Status != StatusRetired {
		return caperrors.Domain("keystore: only retired keys may be archived (kid %q is %s)", kid, m.Status)
	}
	updated := *m
	updated.Status = StatusArchived
	if err := ks.persistLocked(&updated); err != nil {
		return err
	}
	ks.meta[kid] = &updated
	return nil
}

// Revoke transitions any non-terminal key to revoked. Revocation is
// terminal: a revoked key can never be reactivated.
func (ks *KeyStore) Revoke(kid string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	m, ok := ks.meta[kid]
	if !ok {
		return caperrors.Domain("keystore: unknown kid %q", kid)
	}
	updated := *m
	updated.Status = StatusRevoked
	if err := ks.persistLocked(&updated); err != nil {
		return err
	}
	ks.meta[kid] = &updated
	return nil
}

// Rotate atomically: the current key becomes retired, a new active key is
// generated for the same owner, and an attestation from the old key to the
// new key is produced and recorded. Partial rotation is forbidden — any
// failure after the new key is generated but before the attestation is
// recorded rolls back the new key's metadata.
func (ks *KeyStore) Rotate(currentKID string, validDays int) (newKID string, att *certification.Attestation, err error) {
	ks.mu.Lock()
	cur, ok := ks.meta[currentKID]
	curSigner, hasSigner := ks.signers[currentKID]
	ks.mu.Unlock()
	if !ok {
		return "", nil, caperrors.Domain("keystore: unknown kid %q", currentKID)
	}
	if cur.Status != StatusActive {
		return "", nil, caperrors.KeyNotActive(currentKID)
	}
	if !hasSigner {
		return "", nil, caperrors.Domain("keystore: no private key material for kid %q", currentKID)
	}

	newKID, err = ks.Keygen(cur.Owner, validDays, cur.Usage)
	if err != nil {
		return "", nil, err
	}

	newSigner, _ := ks.Signer(newKID)
	a, err := certification.Attest(curSigner, cur.Owner, newKID, cur.Owner, newSigner.PublicKeyBytes())
	if err != nil {
		// Roll back the new key so rotation leaves no partial state,
		// including the metadata file Keygen already persisted.
		ks.mu.Lock()
		delete(ks.meta, newKID)
		delete(ks.signers, newKID)
		if ks.dir != "" {
			_ = os.Remove(filepath.Join(ks.dir, "active", newKID+".json"))
		}
		ks.mu.Unlock()
		return "", nil, err
	}

	ks.mu.Lock()
	retired := *cur
	retired.Status = StatusRetired
	if perr := ks.persistLocked(&retired); perr != nil {
		delete(ks.meta, newKID)
		delete(ks.signers, newKID)
		if ks.dir != "" {
			_ = os.Remove(filepath.Join(ks.dir, "active", newKID+".json"))
		}
		ks.mu.Unlock()
		return "", nil, perr
	}
	ks.meta[currentKID] = &retired
	ks.attested = append(ks.attested, *a)
	ks.mu.Unlock()

	return newKID, a, nil
}

// Attest produces a signed attestation from signerKID about subjectKID.
func (ks *KeyStore) Attest(signerKID, subjectKID string) (*certification.Attestation, error) {
	ks.mu.Lock()
	signerMeta, ok1 := ks.meta[signerKID]
	signer, ok2 := ks.signers[signerKID]
	subjectMeta, ok3 := ks.meta[subjectKID]
	ks.mu.Unlock()
	if !ok1 || !ok2 {
		return nil, caperrors.Domain("keystore: unknown or keyless signer %q", signerKID)
	}
	if !ok3 {
		return nil, caperrors.Domain("keystore: unknown subject %q", subjectKID)
	}
	subjectPub, err := base64.StdEncoding.DecodeString(subjectMeta.PublicKeyB64)
	if err != nil {
		return nil, caperrors.Domain("keystore: invalid subject public key: %v", err)
	}
	a, err := certification.Attest(signer, signerMeta.Owner, subjectKID, subjectMeta.Owner, ed25519.PublicKey(subjectPub))
	if err != nil {
		return nil, err
	}
	ks.mu.Lock()
	ks.attested = append(ks.attested, *a)
	ks.mu.Unlock()
	return a, nil
}

// VerifyChain walks attestations left-to-right: each signature must
// verify, subject_kid[i] must equal signer_kid[i+1], every signer key must
// be present in the store, and no signer may be revoked (retired is
// allowed for historical chains).
func (ks *KeyStore) VerifyChain(attestations []certification.Attestation) error {
	for i, a := range attestations {
		if err := certification.VerifyOne(a); err != nil {
			return err
		}
		signerMeta, ok := ks.FindByKID(a.Attestation.SignerKID)
		if !ok {
			return caperrors.UnknownSigner(a.Attestation.SignerKID)
		}
		if signerMeta.Status == StatusRevoked {
			return caperrors.Domain("keystore: signer %q is revoked", a.Attestation.SignerKID)
		}
		if i+1 < len(attestations) {
			if a.Attestation.SubjectKID != attestations[i+1].Attestation.SignerKID {
				return caperrors.Domain("keystore: attestation chain broken at index %d", i)
			}
		}
	}
	return nil
}
