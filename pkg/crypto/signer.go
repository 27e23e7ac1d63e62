// Package crypto provides the Ed25519 signing primitive and the KID /
// fingerprint derivation functions used throughout the key-management and
// registry-signing layer.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/capassure/capcore/pkg/canonicalize"
)

// Signer produces Ed25519 signatures over arbitrary byte strings, keyed
// by a caller-assigned identifier. Verification is done through Verifier.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
}

// Verifier verifies a raw signature against a message.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
}

// Ed25519Signer implements Signer and Verifier over crypto/ed25519.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh Ed25519 key pair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// PublicKeyB64 renders the public key as standard base64, the encoding
// used by Key, Attestation and RegistryEntry fields.
func (s *Ed25519Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

// Verify verifies a hex-encoded signature against a hex-encoded public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// VerifyB64 verifies a base64 signature against a base64 public key, the
// encoding used on the wire by Key/Attestation/RegistryEntry.
func VerifyB64(pubKeyB64, sigB64 string, data []byte) (bool, error) {
	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return false, fmt.Errorf("invalid public key base64: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// SignB64 signs data with s and returns the signature as standard base64,
// the encoding used by Attestation and RegistryEntry fields.
func SignB64(s *Ed25519Signer, data []byte) (string, error) {
	sigHex, err := s.Sign(data)
	if err != nil {
		return "", err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// KIDFromB64 derives the KID from a base64-encoded public key.
func KIDFromB64(pubKeyB64 string) (string, error) {
	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return "", fmt.Errorf("invalid public key base64: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size")
	}
	return DeriveKID(ed25519.PublicKey(pubKey)), nil
}

// DeriveKID computes kid = first 16 bytes of BLAKE3-256(base64(public_key)),
// rendered as 32 lowercase hex characters.
func DeriveKID(pubKey ed25519.PublicKey) string {
	b64 := base64.StdEncoding.EncodeToString(pubKey)
	digest := canonicalize.BLAKE3Raw([]byte(b64))
	return hex.EncodeToString(digest[:16])
}

// DeriveFingerprint computes fingerprint = first 16 bytes of
// SHA-256(public_key), hex-encoded.
func DeriveFingerprint(pubKey ed25519.PublicKey) string {
	sum := sha256.Sum256(pubKey)
	return hex.EncodeToString(sum[:16])
}
