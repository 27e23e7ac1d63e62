// Package certification implements Attestation v1: signed statements by
// one key about another, chained to form a verifiable chain of trust from
// an agent's working key back to a registered root.
package certification

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/crypto"
)

// Body is the signed portion of an attestation.
type Body struct {
	Schema           string    `json:"schema"`
	SignerKID        string    `json:"signer_kid"`
	SignerOwner      string    `json:"signer_owner"`
	SubjectKID       string    `json:"subject_kid"`
	SubjectOwner     string    `json:"subject_owner"`
	SubjectPublicKey string    `json:"subject_public_key"`
	AttestedAt       time.Time `json:"attested_at"`
}

// Attestation is a signed Body: a claim by signer_kid that subject_kid's
// public key is subject_public_key, owned by subject_owner.
type Attestation struct {
	Attestation        Body   `json:"attestation"`
	SignatureB64       string `json:"signature_b64"`
	SignerPublicKeyB64 string `json:"signer_public_key_b64"`
}

// Attest produces a signed Attestation from signer about subjectKID.
func Attest(signer *crypto.Ed25519Signer, signerOwner, subjectKID, subjectOwner string, subjectPubKey ed25519.PublicKey) (*Attestation, error) {
	body := Body{
		Schema:           "cap-attestation.v1",
		SignerKID:        signer.KeyID,
		SignerOwner:      signerOwner,
		SubjectKID:       subjectKID,
		SubjectOwner:     subjectOwner,
		SubjectPublicKey: base64.StdEncoding.EncodeToString(subjectPubKey),
		AttestedAt:       time.Now().UTC(),
	}

	payload, err := canonicalize.JCS(body)
	if err != nil {
		return nil, caperrors.Canonicalisation("attestation", "failed to canonicalise attestation body: %v", err)
	}

	sigHex, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, caperrors.SignatureInvalid("signature_b64")
	}

	return &Attestation{
		Attestation:        body,
		SignatureB64:       base64.StdEncoding.EncodeToString(sigBytes),
		SignerPublicKeyB64: signer.PublicKeyB64(),
	}, nil
}

// VerifyOne checks that an attestation's signature is valid and that the
// signer's derived KID matches the KID claimed in the body.
func VerifyOne(a Attestation) error {
	payload, err := canonicalize.JCS(a.Attestation)
	if err != nil {
		return caperrors.Canonicalisation("attestation", "failed to canonicalise attestation body: %v", err)
	}

	ok, err := crypto.VerifyB64(a.SignerPublicKeyB64, a.SignatureB64, payload)
	if err != nil {
		return caperrors.SignatureInvalid("signature_b64")
	}
	if !ok {
		return caperrors.SignatureInvalid("signature_b64")
	}

	pubKey, err := base64.StdEncoding.DecodeString(a.SignerPublicKeyB64)
	if err != nil {
		return caperrors.SignatureInvalid("signer_public_key_b64")
	}
	if crypto.DeriveKID(ed25519.PublicKey(pubKey)) != a.Attestation.SignerKID {
		return caperrors.SignatureInvalid("attestation.signer_kid")
	}

	return nil
}

// VerifyChain validates an ordered attestation chain: every signature
// verifies, and subject_kid[i] == signer_kid[i+1] for each link, per the
// chain-of-trust invariant of a certified key lineage.
func VerifyChain(chain []Attestation) error {
	for i, a := range chain {
		if err := VerifyOne(a); err != nil {
			return err
		}
		if i+1 < len(chain) {
			if a.Attestation.SubjectKID != chain[i+1].Attestation.SignerKID {
				return caperrors.Domain("attestation: chain broken between index %d and %d", i, i+1)
			}
		}
	}
	return nil
}
