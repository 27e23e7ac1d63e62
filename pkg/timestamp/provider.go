// Package timestamp implements the TimestampProvider contract: a local
// deterministic mock provider today, with a real RFC3161 provider as a
// drop-in replacement later.
package timestamp

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/capassure/capcore/pkg/caperrors"
)

// Token is the on-disk timestamp record. The nonce is carried inside the
// token so Verify can recompute the binding without any out-of-band state.
type Token struct {
	Kind        string    `json:"kind"`
	AuditTipHex string    `json:"audit_tip_hex"`
	CreatedAt   time.Time `json:"created_at"`
	Nonce       string    `json:"nonce"`
	Token       string    `json:"token,omitempty"`
}

// Provider issues and checks timestamp tokens over an audit tip.
type Provider interface {
	Create(auditTipHex string) (*Token, error)
	Verify(auditTipHex string, tok *Token) bool
	Name() string
}

// MockProvider binds token = SHA3-256(audit_tip || created_at || nonce),
// with created_at rendered as RFC3339Nano UTC. Verify recomputes.
type MockProvider struct{}

func (MockProvider) Name() string { return "mock" }

func bind(auditTipHex string, createdAt time.Time, nonce string) string {
	h := sha3.New256()
	h.Write([]byte(auditTipHex))
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(nonce))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func (MockProvider) Create(auditTipHex string) (*Token, error) {
	if auditTipHex == "" {
		return nil, caperrors.Domain("timestamp: empty audit tip")
	}
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, caperrors.StorageIO("timestamp: nonce generation failed: %v", err)
	}
	now := time.Now().UTC()
	nonce := hex.EncodeToString(nonceBytes)
	return &Token{
		Kind:        "mock",
		AuditTipHex: auditTipHex,
		CreatedAt:   now,
		Nonce:       nonce,
		Token:       bind(auditTipHex, now, nonce),
	}, nil
}

func (MockProvider) Verify(auditTipHex string, tok *Token) bool {
	if tok == nil || tok.Kind != "mock" {
		return false
	}
	if tok.AuditTipHex != auditTipHex {
		return false
	}
	return tok.Token == bind(auditTipHex, tok.CreatedAt, tok.Nonce)
}
