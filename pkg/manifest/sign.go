package manifest

import (
	"time"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/crypto"
)

// SigningBytes returns the canonical bytes a manifest signature covers:
// the manifest with the signatures field emptied.
func SigningBytes(m Manifest) ([]byte, error) {
	return canonicalize.JCS(m.unsigned())
}

// Sign appends an Ed25519 signature over the manifest's signing bytes,
// returning the updated copy. The KID is derived from the signer's public
// key.
func Sign(m Manifest, signer *crypto.Ed25519Signer) (Manifest, error) {
	payload, err := SigningBytes(m)
	if err != nil {
		return Manifest{}, caperrors.Canonicalisation("manifest", "failed to canonicalise for signing: %v", err)
	}
	sigB64, err := crypto.SignB64(signer, payload)
	if err != nil {
		return Manifest{}, err
	}
	return m.WithSignature(Signature{
		KID:          crypto.DeriveKID(signer.PublicKeyBytes()),
		Algorithm:    "ed25519",
		SignatureB64: sigB64,
		SignedAt:     time.Now().UTC(),
	}), nil
}

// VerifySignature checks one of m's signatures against pubKeyB64.
func VerifySignature(m Manifest, sig Signature, pubKeyB64 string) error {
	payload, err := SigningBytes(m)
	if err != nil {
		return caperrors.Canonicalisation("manifest", "failed to canonicalise for verification: %v", err)
	}
	ok, err := crypto.VerifyB64(pubKeyB64, sig.SignatureB64, payload)
	if err != nil || !ok {
		return caperrors.SignatureInvalid("signatures")
	}
	return nil
}
