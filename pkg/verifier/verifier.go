// Package verifier is the pure, I/O-free verification core: it decides
// whether a (manifest, proof, registry entry, timestamp, anchors) tuple is
// self-consistent. It performs no file I/O, writes to no logger, and
// produces byte-identical reports for byte-identical inputs.
package verifier

import (
	"fmt"
	"regexp"

	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/proof"
	"github.com/capassure/capcore/pkg/registry"
	"github.com/capassure/capcore/pkg/timestamp"
)

// Options selects which optional checks run. Missing optional inputs whose
// check is disabled are not errors.
type Options struct {
	CheckTimestamp  bool `json:"check_timestamp"`
	CheckRegistry   bool `json:"check_registry"`
	CheckSignatures bool `json:"check_signatures"`
}

// TrustedKey is one entry in the in-memory trust store passed to Verify.
type TrustedKey struct {
	PublicKeyB64 string
	Revoked      bool
}

// Input is everything Verify consumes, fully in memory.
type Input struct {
	Manifest    manifest.Manifest
	Proof       proof.Proof
	Registry    []registry.Entry
	Timestamp   *timestamp.Token
	TrustedKeys map[string]TrustedKey
	Provider    timestamp.Provider
	Options     Options
}

// Detail is one machine-readable finding.
type Detail struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Report is the structured verification outcome. Status is "ok" iff every
// enabled check passed.
type Report struct {
	Status         string   `json:"status"`
	ManifestHash   string   `json:"manifest_hash"`
	ProofHash      string   `json:"proof_hash"`
	SignatureValid bool     `json:"signature_valid"`
	TimestampValid bool     `json:"timestamp_valid"`
	RegistryMatch  bool     `json:"registry_match"`
	Details        []Detail `json:"details"`
}

// Failure codes carried in Detail.Code.
const (
	CodeMissingStatement      = "MissingStatement"
	CodeManifestProofMismatch = "ManifestProofMismatch"
	CodePolicyHashMismatch    = "PolicyHashMismatch"
	CodeProofInvalid          = "ProofInvalid"
	CodeConstraintFailed      = "ConstraintFailed"
	CodeUnknownBackend        = "UnknownBackend"
	CodeUnknownSigner         = "UnknownSigner"
	CodeRevokedSigner         = "RevokedSigner"
	CodeSignatureInvalid      = "SignatureInvalid"
	CodeSignatureMissing      = "SignatureMissing"
	CodeTimestampInvalid      = "TimestampInvalid"
	CodeRegistryMiss          = "RegistryMiss"
	CodeAnchorInconsistent    = "AnchorInconsistent"
	CodeCanonicalisation      = "Canonicalisation"
)

var hashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

var knownChains = map[string]bool{"ethereum": true, "hedera": true, "btc": true}

// Verify runs the full verification procedure over in-memory inputs.
func Verify(in Input) Report {
	r := Report{Status: "ok", Details: []Detail{}}
	fail := func(code, field, format string, args ...interface{}) {
		r.Status = "fail"
		r.Details = append(r.Details, Detail{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// 1. Statement extraction.
	stmt, err := proof.ExtractStatement(in.Manifest)
	if err != nil {
		fail(CodeMissingStatement, "statement", "required statement field absent")
	}

	// 2. Manifest hash, preceded by per-field statement coherence so a
	// tampered root is reported at the offending field rather than as an
	// opaque hash mismatch.
	if err == nil {
		if in.Proof.Statement.CompanyCommitmentRoot != stmt.CompanyCommitmentRoot {
			fail(CodeManifestProofMismatch, "company_commitment_root", "manifest and proof statement disagree")
		}
		if in.Proof.Statement.SanctionsRoot != stmt.SanctionsRoot {
			fail(CodeManifestProofMismatch, "sanctions_root", "manifest and proof statement disagree")
		}
		if in.Proof.Statement.JurisdictionRoot != stmt.JurisdictionRoot {
			fail(CodeManifestProofMismatch, "jurisdiction_root", "manifest and proof statement disagree")
		}
	}

	manifestHash, mErr := manifest.Hash(in.Manifest)
	if mErr != nil {
		fail(CodeCanonicalisation, "manifest", "cannot canonicalise manifest")
	} else {
		r.ManifestHash = manifestHash
		if manifestHash != in.Proof.ManifestHash {
			fail(CodeManifestProofMismatch, "manifest_hash", "proof.manifest_hash does not match manifest")
		}
	}

	// 3. Proof hash, required later for registry matching.
	proofHash, pErr := proof.Hash(in.Proof)
	if pErr != nil {
		fail(CodeCanonicalisation, "proof", "cannot canonicalise proof")
	} else {
		r.ProofHash = proofHash
	}

	// 4. Statement coherence: manifest policy hash vs proof policy hash.
	if in.Manifest.Policy.Hash != in.Proof.PolicyHash {
		fail(CodePolicyHashMismatch, "policy.hash", "manifest policy hash does not match proof policy hash")
	}

	// 5. Proof internal verify, delegated to the backend named by
	// proof.type.
	system, ok := proof.LookupByType(in.Proof.Type)
	if !ok {
		fail(CodeUnknownBackend, "proof.type", "no ProofSystem for type %q", in.Proof.Type)
	} else {
		valid, verr := system.Verify(in.Proof, in.Manifest)
		if verr != nil || !valid {
			fail(CodeProofInvalid, "proof", "proof did not verify under backend %q", system.Name())
			for _, c := range in.Proof.ProofData.CheckedConstraints {
				if c.Status != "ok" {
					fail(CodeConstraintFailed, c.RuleID, "constraint %s failed", c.RuleID)
				}
			}
		}
	}

	// 6. Signature verify against the in-memory trust store.
	if in.Options.CheckSignatures {
		r.SignatureValid = verifySignatures(in, fail)
	}

	// 7. Timestamp verify via the provider's pure verify.
	if in.Options.CheckTimestamp && in.Timestamp != nil {
		provider := in.Provider
		if provider == nil {
			provider = timestamp.MockProvider{}
		}
		if provider.Verify(in.Manifest.Audit.TailDigest, in.Timestamp) {
			r.TimestampValid = true
		} else {
			fail(CodeTimestampInvalid, "timestamp", "timestamp token does not verify against audit tip")
		}
	}

	// 8. Registry match on (manifest_hash, proof_hash).
	if in.Options.CheckRegistry {
		r.RegistryMatch = matchRegistry(in, r.ManifestHash, r.ProofHash, fail)
	}

	// 9. Dual-anchor coherence. Shape only, no network lookup.
	verifyAnchors(in.Manifest.TimeAnchor, fail)

	return r
}

func verifySignatures(in Input, fail func(code, field, format string, args ...interface{})) bool {
	if len(in.Manifest.Signatures) == 0 {
		fail(CodeSignatureMissing, "signatures", "signature check enabled but manifest carries no signatures")
		return false
	}
	allValid := true
	for i, sig := range in.Manifest.Signatures {
		field := fmt.Sprintf("signatures[%d]", i)
		key, known := in.TrustedKeys[sig.KID]
		if !known {
			fail(CodeUnknownSigner, field, "no trusted key for kid %q", sig.KID)
			allValid = false
			continue
		}
		if key.Revoked {
			fail(CodeRevokedSigner, field, "signer kid %q is revoked", sig.KID)
			allValid = false
			continue
		}
		if err := manifest.VerifySignature(in.Manifest, sig, key.PublicKeyB64); err != nil {
			fail(CodeSignatureInvalid, field, "signature does not verify")
			allValid = false
		}
	}
	return allValid
}

func matchRegistry(in Input, manifestHash, proofHash string, fail func(code, field, format string, args ...interface{})) bool {
	for _, e := range in.Registry {
		if e.ManifestHash != manifestHash || e.ProofHash != proofHash {
			continue
		}
		if e.SignatureB64 != "" {
			if err := registry.VerifySignature(e); err != nil {
				fail(CodeSignatureInvalid, "registry.entry", "registry entry signature does not verify")
				return false
			}
		}
		if e.KID != "" {
			if key, known := in.TrustedKeys[e.KID]; known && key.Revoked {
				fail(CodeRevokedSigner, "registry.entry.kid", "registry entry signed by revoked kid %q", e.KID)
				return false
			}
		}
		return true
	}
	fail(CodeRegistryMiss, "registry", "no registry entry for (manifest_hash, proof_hash)")
	return false
}

func verifyAnchors(anchor *manifest.TimeAnchor, fail func(code, field, format string, args ...interface{})) {
	if anchor == nil {
		return
	}
	if anchor.Private != nil && anchor.Private.AuditTipHex != anchor.AuditTipHex {
		fail(CodeAnchorInconsistent, "time_anchor.private.audit_tip_hex", "private anchor tip differs from anchor tip")
	}
	if anchor.Public != nil {
		if !knownChains[anchor.Public.Chain] {
			fail(CodeAnchorInconsistent, "time_anchor.public.chain", "unrecognised chain %q", anchor.Public.Chain)
		}
		if !hashPattern.MatchString(anchor.Public.Digest) {
			fail(CodeAnchorInconsistent, "time_anchor.public.digest", "malformed digest")
		}
		if anchor.Public.TxID == "" {
			fail(CodeAnchorInconsistent, "time_anchor.public.txid", "empty txid")
		}
	}
}
