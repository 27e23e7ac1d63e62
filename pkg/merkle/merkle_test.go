package merkle

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func supplierRecords() []interface{} {
	return []interface{}{
		map[string]interface{}{"name": "A", "jurisdiction": "DE", "tier": 1},
		map[string]interface{}{"name": "B", "jurisdiction": "US", "tier": 2},
	}
}

func TestComputeSupplierRoot_Deterministic(t *testing.T) {
	records := supplierRecords()
	r1, err := ComputeSupplierRoot(records)
	require.NoError(t, err)
	r2, err := ComputeSupplierRoot(records)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestComputeSupplierRoot_EmptyIsDomainError(t *testing.T) {
	_, err := ComputeSupplierRoot(nil)
	require.Error(t, err)
}

func TestComputeSupplierRoot_SingleLeafIsRoot(t *testing.T) {
	records := []interface{}{map[string]interface{}{"name": "only"}}
	leaves, err := buildLeaves(records)
	require.NoError(t, err)
	root, err := ComputeSupplierRoot(records)
	require.NoError(t, err)
	assert.Equal(t, leaves[0].hash, root)
}

func TestComputeSupplierRoot_OrderSensitive(t *testing.T) {
	a := map[string]interface{}{"name": "A"}
	b := map[string]interface{}{"name": "B"}
	r1, err := ComputeSupplierRoot([]interface{}{a, b})
	require.NoError(t, err)
	r2, err := ComputeSupplierRoot([]interface{}{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2, "swapping leaf order must change the root")
}

func TestComputeCompanyCommitmentRoot(t *testing.T) {
	suppliers := supplierRecords()
	ubos := []interface{}{map[string]interface{}{"name": "O", "birthdate": "1970-01-01", "citizenship": "DE"}}

	supplierRoot, err := ComputeSupplierRoot(suppliers)
	require.NoError(t, err)
	uboRoot, err := ComputeUBORoot(ubos)
	require.NoError(t, err)

	root1 := ComputeCompanyCommitmentRoot(supplierRoot, uboRoot)
	root2 := ComputeCompanyCommitmentRoot(supplierRoot, uboRoot)
	assert.Equal(t, root1, root2)

	otherUboRoot, err := ComputeUBORoot([]interface{}{map[string]interface{}{"name": "Other"}})
	require.NoError(t, err)
	root3 := ComputeCompanyCommitmentRoot(supplierRoot, otherUboRoot)
	assert.NotEqual(t, root1, root3)
}

func TestInclusionProof_RoundTrip(t *testing.T) {
	records := []interface{}{
		map[string]interface{}{"name": "A"},
		map[string]interface{}{"name": "B"},
		map[string]interface{}{"name": "C"},
	}
	root, err := ComputeSupplierRoot(records)
	require.NoError(t, err)
	rootHex := hex.EncodeToString(root[:])

	for i := range records {
		proof, err := BuildInclusionProof(records, i)
		require.NoError(t, err)
		assert.True(t, VerifyInclusionProof(*proof, ""))
		assert.Equal(t, rootHex, proof.MerkleRoot)
	}
}

func TestInclusionProof_TamperedSiblingFails(t *testing.T) {
	records := []interface{}{
		map[string]interface{}{"name": "A"},
		map[string]interface{}{"name": "B"},
		map[string]interface{}{"name": "C"},
	}
	proof, err := BuildInclusionProof(records, 0)
	require.NoError(t, err)
	proof.ProofPath[0].SiblingHash = "0000000000000000000000000000000000000000000000000000000000000000"
	assert.False(t, VerifyInclusionProof(*proof, ""))
}

func TestInclusionProof_OutOfRange(t *testing.T) {
	records := []interface{}{map[string]interface{}{"name": "A"}}
	_, err := BuildInclusionProof(records, 5)
	require.Error(t, err)
}
