package proof_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/merkle"
	"github.com/capassure/capcore/pkg/policy"
	"github.com/capassure/capcore/pkg/proof"
)

const policySource = `
policy_name: lksg-base
rules:
  - rule_id: require_at_least_one_ubo
    op: threshold
    lhs: ubo_count
    rhs: 1
    cost_class: cheap
`

func buildProof(t *testing.T, uboCount int) (proof.Proof, manifest.Manifest) {
	t.Helper()

	suppliers := []interface{}{map[string]interface{}{"name": "A", "jurisdiction": "DE", "tier": 1}}
	ubos := []interface{}{map[string]interface{}{"name": "O", "birthdate": "1970-01-01", "citizenship": "DE"}}

	supplierRoot, err := merkle.ComputeSupplierRoot(suppliers)
	require.NoError(t, err)
	uboRoot, err := merkle.ComputeUBORoot(ubos)
	require.NoError(t, err)
	companyRoot := merkle.ComputeCompanyCommitmentRoot(supplierRoot, uboRoot)

	compiled, err := policy.Compile([]byte(policySource), policy.LintStrict)
	require.NoError(t, err)

	m := manifest.Build(
		manifest.Commitments{
			SupplierRoot:          "0x" + hex.EncodeToString(supplierRoot[:]),
			UBORoot:               "0x" + hex.EncodeToString(uboRoot[:]),
			CompanyCommitmentRoot: "0x" + hex.EncodeToString(companyRoot[:]),
		},
		manifest.PolicyRef{Name: "lksg-base", Version: "1", Hash: compiled.PolicyHash},
		"0x"+strings.Repeat("cd", 32),
		1,
	)

	p, err := proof.MockSystem{}.Build(compiled.IR, nil,
		map[string]interface{}{"ubo_count": uboCount}, m)
	require.NoError(t, err)
	return p, m
}

func TestMockBuildOk(t *testing.T) {
	p, m := buildProof(t, 1)
	assert.Equal(t, "ok", p.Status)
	assert.Equal(t, "mock", p.Type)

	ok, err := proof.MockSystem{}.Verify(p, m)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMockBuildFailOnMissingUBO(t *testing.T) {
	p, m := buildProof(t, 0)
	assert.Equal(t, "fail", p.Status)

	ok, err := proof.MockSystem{}.Verify(p, m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCapzRoundTrip(t *testing.T) {
	p, _ := buildProof(t, 1)

	var vk, params [32]byte
	blob, err := proof.Encode(p, vk, params)
	require.NoError(t, err)

	header, decoded, err := proof.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0002), header.Version)
	assert.Equal(t, proof.BackendMock, header.Backend)
	assert.Equal(t, p.ManifestHash, decoded.ManifestHash)
	assert.Equal(t, p.Status, decoded.Status)
}

func TestCapzRejectsBadMagic(t *testing.T) {
	p, _ := buildProof(t, 1)
	blob, err := proof.Encode(p, [32]byte{}, [32]byte{})
	require.NoError(t, err)

	blob[0] = 'X'
	_, _, err = proof.Decode(blob)
	assert.Error(t, err)
}

func TestCapzRejectsShortBlob(t *testing.T) {
	_, _, err := proof.Decode([]byte("CAPZ"))
	assert.Error(t, err)
}

func TestCapzRejectsLengthMismatch(t *testing.T) {
	p, _ := buildProof(t, 1)
	blob, err := proof.Encode(p, [32]byte{}, [32]byte{})
	require.NoError(t, err)

	// Truncate the payload: declared payload_len no longer matches.
	_, _, err = proof.Decode(blob[:len(blob)-1])
	assert.Error(t, err)
}

func TestLookupByType(t *testing.T) {
	s, ok := proof.LookupByType("mock")
	require.True(t, ok)
	assert.Equal(t, "mock", s.Name())

	_, ok = proof.LookupByType("groth16")
	assert.False(t, ok)
}

func TestExtractStatementMissingField(t *testing.T) {
	_, err := proof.ExtractStatement(manifest.Manifest{})
	assert.Error(t, err)
}
