// Package registry implements the signed (manifest_hash, proof_hash)
// issuance registry: the Entry type and its core-hash signing scheme, a
// pluggable Store contract, and JSON and SQLite implementations behind it.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/crypto"
	"github.com/capassure/capcore/pkg/keystore"
	"github.com/capassure/capcore/pkg/timestamp"
)

// SchemeEd25519 is the only signature scheme entries carry today.
const SchemeEd25519 = "ed25519"

// Entry records that a proof was issued for a manifest. Entries are
// content-addressed via (manifest_hash, proof_hash). Signature fields are
// optional on read for backward compatibility with unsigned registries.
type Entry struct {
	ID              string           `json:"id"`
	ManifestHash    string           `json:"manifest_hash"`
	ProofHash       string           `json:"proof_hash"`
	CreatedAt       time.Time        `json:"created_at"`
	SignatureB64    string           `json:"signature_b64,omitempty"`
	PublicKeyB64    string           `json:"public_key_b64,omitempty"`
	KID             string           `json:"kid,omitempty"`
	SignatureScheme string           `json:"signature_scheme,omitempty"`
	Timestamp       *timestamp.Token `json:"timestamp,omitempty"`
}

// NewEntry assembles an unsigned entry for a (manifest_hash, proof_hash)
// pair with a fresh id and the current UTC time.
func NewEntry(manifestHash, proofHash string) Entry {
	return Entry{
		ID:           uuid.New().String(),
		ManifestHash: manifestHash,
		ProofHash:    proofHash,
		CreatedAt:    time.Now().UTC(),
	}
}

// core returns the entry with signature fields cleared, the form whose
// canonical bytes define entry_core_hash.
func (e Entry) core() Entry {
	cp := e
	cp.SignatureB64 = ""
	cp.PublicKeyB64 = ""
	cp.KID = ""
	cp.SignatureScheme = ""
	return cp
}

// CoreHash computes entry_core_hash = BLAKE3-256(canonical(entry without
// signature fields)).
func (e Entry) CoreHash() (string, error) {
	return canonicalize.CanonicalBLAKE3(e.core())
}

// Sign populates the entry's signature fields: the Ed25519 signature
// covers the entry_core_hash string bytes, the KID is derived from the
// signer's public key.
func Sign(e Entry, signer *crypto.Ed25519Signer) (Entry, error) {
	coreHash, err := e.CoreHash()
	if err != nil {
		return Entry{}, err
	}
	sigB64, err := crypto.SignB64(signer, []byte(coreHash))
	if err != nil {
		return Entry{}, err
	}
	signed := e
	signed.SignatureB64 = sigB64
	signed.PublicKeyB64 = signer.PublicKeyB64()
	signed.KID = crypto.DeriveKID(signer.PublicKeyBytes())
	signed.SignatureScheme = SchemeEd25519
	return signed, nil
}

// VerifySignature checks a signed entry: recomputes entry_core_hash,
// verifies the Ed25519 signature, and confirms the KID matches the
// embedded public key.
func VerifySignature(e Entry) error {
	if e.SignatureB64 == "" || e.PublicKeyB64 == "" {
		return caperrors.SignatureInvalid("signature_b64")
	}
	if e.SignatureScheme != "" && e.SignatureScheme != SchemeEd25519 {
		return caperrors.SignatureInvalid("signature_scheme")
	}
	coreHash, err := e.CoreHash()
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyB64(e.PublicKeyB64, e.SignatureB64, []byte(coreHash))
	if err != nil || !ok {
		return caperrors.SignatureInvalid("signature_b64")
	}
	if e.KID != "" {
		if derived, derr := crypto.KIDFromB64(e.PublicKeyB64); derr != nil || derived != e.KID {
			return caperrors.SignatureInvalid("kid")
		}
	}
	return nil
}

// Registry is the snapshot form a Store loads and saves whole.
type Registry struct {
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Filter narrows List.
type Filter struct {
	KID          string
	ManifestHash string
	Since        *time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.KID != "" && e.KID != f.KID {
		return false
	}
	if f.ManifestHash != "" && e.ManifestHash != f.ManifestHash {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Store is the pluggable persistence contract. JSON and SQLite
// implementations sit behind the same interface; concurrent duplicate
// inserts are safe — the loser observes idempotent success when the bytes
// are identical and HashConflict otherwise.
type Store interface {
	Load() (*Registry, error)
	Save(r *Registry) error
	AddEntry(e Entry) error
	FindByHashes(manifestHash, proofHash string) (*Entry, bool, error)
	List(filter Filter) ([]Entry, error)
	Close() error
}

// sameEntry reports whether two entries for the same hash pair are
// byte-identical in canonical form, the idempotence test for duplicates.
func sameEntry(a, b Entry) bool {
	ca, erra := canonicalize.JCS(a)
	cb, errb := canonicalize.JCS(b)
	return erra == nil && errb == nil && string(ca) == string(cb)
}

// Writer enforces write-side policy in front of a Store. In strict mode
// unsigned entries are refused and the signing key must be active in the
// attached keystore; retired keys still verify historical chains on read.
type Writer struct {
	store  Store
	keys   *keystore.KeyStore
	strict bool
}

// NewWriter wires a Writer. keys may be nil when strict is false.
func NewWriter(store Store, keys *keystore.KeyStore, strict bool) *Writer {
	return &Writer{store: store, keys: keys, strict: strict}
}

// Add validates e per the writer's policy and inserts it.
func (w *Writer) Add(e Entry) error {
	if w.strict {
		if e.SignatureB64 == "" || e.KID == "" {
			return caperrors.SignatureInvalid("signature_b64")
		}
		if err := VerifySignature(e); err != nil {
			return err
		}
		if w.keys != nil {
			meta, ok := w.keys.FindByKID(e.KID)
			if !ok {
				return caperrors.UnknownSigner(e.KID)
			}
			if meta.Status != keystore.StatusActive {
				return caperrors.KeyNotActive(e.KID)
			}
		}
	}
	return w.store.AddEntry(e)
}
