// Package manifest implements the manifest.v1.0 type, its pure builder,
// and JSON-Schema (Draft 2020-12) validation against the published
// manifest schema.
package manifest

import "time"

// PolicyRef identifies the compiled policy a manifest was built against.
type PolicyRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// AuditRef summarises the audit chain state at manifest-build time.
type AuditRef struct {
	TailDigest string `json:"tail_digest"`
	EventsCount int    `json:"events_count"`
}

// ProofRef is the minimal proof summary embedded once a proof is attached.
type ProofRef struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Signature is one Ed25519 signature over the manifest's canonical bytes
// with signatures excluded.
type Signature struct {
	KID          string    `json:"kid"`
	Algorithm    string    `json:"algorithm"`
	SignatureB64 string    `json:"signature_b64"`
	SignedAt     time.Time `json:"signed_at"`
}

// PublicAnchor references an external public-chain anchor.
type PublicAnchor struct {
	Chain  string `json:"chain"`
	TxID   string `json:"txid"`
	Digest string `json:"digest"`
}

// PrivateAnchor binds a time anchor to this agent's own audit tip.
type PrivateAnchor struct {
	AuditTipHex string `json:"audit_tip_hex"`
}

// TimeAnchor links a manifest to its own audit tip and, optionally, an
// external public chain reference.
type TimeAnchor struct {
	Kind        string         `json:"kind"`
	Reference   string         `json:"reference,omitempty"`
	AuditTipHex string         `json:"audit_tip_hex"`
	CreatedAt   time.Time      `json:"created_at"`
	Private     *PrivateAnchor `json:"private,omitempty"`
	Public      *PublicAnchor  `json:"public,omitempty"`
}

// Manifest is manifest.v1.0. SupplierRoot, UBORoot and CompanyCommitmentRoot
// are "0x"-prefixed 64-hex-char BLAKE3 digests.
type Manifest struct {
	Version               string      `json:"version"`
	CreatedAt              time.Time   `json:"created_at"`
	SupplierRoot           string      `json:"supplier_root"`
	UBORoot                string      `json:"ubo_root"`
	CompanyCommitmentRoot  string      `json:"company_commitment_root"`
	Policy                 PolicyRef   `json:"policy"`
	Audit                  AuditRef    `json:"audit"`
	Proof                  *ProofRef   `json:"proof,omitempty"`
	Signatures             []Signature `json:"signatures"`
	TimeAnchor             *TimeAnchor `json:"time_anchor,omitempty"`
	SanctionsRoot          string      `json:"sanctions_root,omitempty"`
	JurisdictionRoot       string      `json:"jurisdiction_root,omitempty"`
}

// Commitments groups the roots a manifest is built from.
type Commitments struct {
	SupplierRoot          string
	UBORoot               string
	CompanyCommitmentRoot string
	SanctionsRoot         string
	JurisdictionRoot      string
}

// Build assembles a new manifest.v1.0 from its inputs and the current UTC
// time. Build is a pure function: it reads nothing but what is passed in,
// and it always produces Signatures as an empty (never nil) slice so the
// manifest-hash computation has a stable "signatures: []" to exclude.
func Build(commitments Commitments, policyRef PolicyRef, auditTipHex string, eventsCount int) Manifest {
	return Manifest{
		Version:               "1.0",
		CreatedAt:             time.Now().UTC(),
		SupplierRoot:          commitments.SupplierRoot,
		UBORoot:               commitments.UBORoot,
		CompanyCommitmentRoot: commitments.CompanyCommitmentRoot,
		Policy:                policyRef,
		Audit:                 AuditRef{TailDigest: auditTipHex, EventsCount: eventsCount},
		Signatures:            []Signature{},
		SanctionsRoot:         commitments.SanctionsRoot,
		JurisdictionRoot:      commitments.JurisdictionRoot,
	}
}

// WithSignature returns a copy of m with sig appended. Manifests are
// never mutated in place; every update rewrites the whole object.
func (m Manifest) WithSignature(sig Signature) Manifest {
	cp := m
	cp.Signatures = append(append([]Signature(nil), m.Signatures...), sig)
	return cp
}

// WithProof returns a copy of m with its proof summary set.
func (m Manifest) WithProof(p ProofRef) Manifest {
	cp := m
	cp.Proof = &p
	return cp
}

// WithTimeAnchor returns a copy of m with its time anchor set.
func (m Manifest) WithTimeAnchor(a TimeAnchor) Manifest {
	cp := m
	cp.TimeAnchor = &a
	return cp
}

// unsigned returns a copy of m with Signatures cleared, the form whose
// canonical bytes define manifest_hash.
func (m Manifest) unsigned() Manifest {
	cp := m
	cp.Signatures = []Signature{}
	return cp
}
