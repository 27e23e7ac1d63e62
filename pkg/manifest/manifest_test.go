package manifest_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capassure/capcore/pkg/manifest"
)

func zeroRoot() string {
	return "0x" + strings.Repeat("0", 64)
}

func buildFixture() manifest.Manifest {
	return manifest.Build(
		manifest.Commitments{
			SupplierRoot:          zeroRoot(),
			UBORoot:               zeroRoot(),
			CompanyCommitmentRoot: zeroRoot(),
		},
		manifest.PolicyRef{Name: "supplier-due-diligence", Version: "1.0", Hash: zeroRoot()},
		zeroRoot(),
		3,
	)
}

func TestBuild_SignaturesStartEmpty(t *testing.T) {
	m := buildFixture()
	assert.Empty(t, m.Signatures)
	assert.NotNil(t, m.Signatures)
}

func TestHash_DeterministicAndExcludesSignatures(t *testing.T) {
	m := buildFixture()
	h1, err := manifest.Hash(m)
	require.NoError(t, err)

	signed := m.WithSignature(manifest.Signature{KID: strings.Repeat("a", 32), Algorithm: "ed25519", SignatureB64: "xyz"})
	h2, err := manifest.Hash(signed)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestWithProofAndTimeAnchor_AreImmutableUpdates(t *testing.T) {
	m := buildFixture()
	withProof := m.WithProof(manifest.ProofRef{Type: "mock", Status: "ok"})
	assert.Nil(t, m.Proof)
	require.NotNil(t, withProof.Proof)
	assert.Equal(t, "ok", withProof.Proof.Status)

	withAnchor := m.WithTimeAnchor(manifest.TimeAnchor{Kind: "private", AuditTipHex: zeroRoot()})
	assert.Nil(t, m.TimeAnchor)
	require.NotNil(t, withAnchor.TimeAnchor)
	assert.Equal(t, zeroRoot(), withAnchor.TimeAnchor.AuditTipHex)
}

func TestValidate_AcceptsWellFormedManifest(t *testing.T) {
	m := buildFixture()
	assert.NoError(t, manifest.Validate(m))
}

func TestValidate_RejectsBadRootPattern(t *testing.T) {
	m := buildFixture()
	m.SupplierRoot = "not-a-hash"
	assert.Error(t, manifest.Validate(m))
}

func TestValidate_RejectsUnknownProofType(t *testing.T) {
	m := buildFixture().WithProof(manifest.ProofRef{Type: "bogus", Status: "ok"})
	assert.Error(t, manifest.Validate(m))
}
