// Package proof implements proof.v0, the ProofSystem interface and its
// mock backend, and the CAPZ v2 binary container format.
package proof

import (
	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/policy"
)

// Statement is the extracted claim a proof attests to.
type Statement struct {
	PolicyHash            string `json:"policy_hash"`
	CompanyCommitmentRoot string `json:"company_commitment_root"`
	SanctionsRoot         string `json:"sanctions_root,omitempty"`
	JurisdictionRoot      string `json:"jurisdiction_root,omitempty"`
}

// ExtractStatement derives a Statement from a manifest. Required fields
// absent (policy hash or company commitment root) is a MissingStatement
// error.
func ExtractStatement(m manifest.Manifest) (Statement, error) {
	if m.Policy.Hash == "" {
		return Statement{}, caperrors.MissingStatement("policy.hash")
	}
	if m.CompanyCommitmentRoot == "" {
		return Statement{}, caperrors.MissingStatement("company_commitment_root")
	}
	return Statement{
		PolicyHash:            m.Policy.Hash,
		CompanyCommitmentRoot: m.CompanyCommitmentRoot,
		SanctionsRoot:         m.SanctionsRoot,
		JurisdictionRoot:      m.JurisdictionRoot,
	}, nil
}

// Data is backend-specific proof payload, always canonically serialisable.
// The mock backend populates CheckedConstraints only.
type Data struct {
	CheckedConstraints []policy.CheckedConstraint `json:"checked_constraints,omitempty"`
}

// Proof is proof.v0.
type Proof struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Statement    Statement `json:"statement"`
	ManifestHash string    `json:"manifest_hash"`
	PolicyHash   string    `json:"policy_hash"`
	ProofData    Data      `json:"proof_data"`
	Status       string    `json:"status"`
}

// Hash computes proof_hash = SHA3-256(canonical(proof)).
func Hash(p Proof) (string, error) {
	return canonicalize.CanonicalSHA3(p)
}

// System is the backend-selection interface. Non-mock backends
// additionally populate VKHash/ParamsHash on the CAPZ header; the mock
// backend sets both to zero.
type System interface {
	Name() string
	Build(ir policy.IR, active map[string]bool, record map[string]interface{}, m manifest.Manifest) (Proof, error)
	Verify(p Proof, m manifest.Manifest) (bool, error)
}

// MockSystem is the reference backend: it evaluates every active IR rule
// against record and reports ok iff every constraint holds.
type MockSystem struct{}

func (MockSystem) Name() string { return "mock" }

func (MockSystem) Build(ir policy.IR, active map[string]bool, record map[string]interface{}, m manifest.Manifest) (Proof, error) {
	stmt, err := ExtractStatement(m)
	if err != nil {
		return Proof{}, err
	}
	manifestHash, err := manifest.Hash(m)
	if err != nil {
		return Proof{}, err
	}

	constraints, err := policy.EvaluateAll(ir.Rules, active, record)
	if err != nil {
		return Proof{}, err
	}

	status := "ok"
	for _, c := range constraints {
		if c.Status != "ok" {
			status = "fail"
			break
		}
	}

	return Proof{
		Version:      "0",
		Type:         "mock",
		Statement:    stmt,
		ManifestHash: manifestHash,
		PolicyHash:   ir.PolicyHash,
		ProofData:    Data{CheckedConstraints: constraints},
		Status:       status,
	}, nil
}

func (MockSystem) Verify(p Proof, m manifest.Manifest) (bool, error) {
	manifestHash, err := manifest.Hash(m)
	if err != nil {
		return false, err
	}
	if manifestHash != p.ManifestHash {
		return false, caperrors.ManifestProofMismatch("manifest_hash")
	}
	for _, c := range p.ProofData.CheckedConstraints {
		if c.Status != "ok" {
			return false, nil
		}
	}
	return p.Status == "ok", nil
}

// Registry of known backends, keyed by CapzHeader.backend.
var backends = map[uint8]System{
	BackendMock: MockSystem{},
}

// Lookup resolves a ProofSystem by CAPZ backend id.
func Lookup(backend uint8) (System, bool) {
	s, ok := backends[backend]
	return s, ok
}

// LookupByType resolves a ProofSystem by proof.type.
func LookupByType(proofType string) (System, bool) {
	id, err := backendIDForType(proofType)
	if err != nil {
		return nil, false
	}
	return Lookup(id)
}
