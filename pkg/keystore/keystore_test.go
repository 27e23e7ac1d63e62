package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capassure/capcore/pkg/certification"
)

func TestKeygen_ProducesActiveKey(t *testing.T) {
	ks := New()
	kid, err := ks.Keygen("supplier-ops", 365, []string{"manifest_signing"})
	require.NoError(t, err)
	assert.Len(t, kid, 32)

	m, ok := ks.FindByKID(kid)
	require.True(t, ok)
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, "ed25519", m.Algorithm)
}

func TestGetActive_ReturnsCurrentKey(t *testing.T) {
	ks := New()
	kid, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)

	m, ok := ks.GetActive("supplier-ops")
	require.True(t, ok)
	assert.Equal(t, kid, m.KID)
}

func TestRotate_RetiresOldAndAttestsNew(t *testing.T) {
	ks := New()
	oldKID, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)

	newKID, att, err := ks.Rotate(oldKID, 30)
	require.NoError(t, err)
	assert.NotEqual(t, oldKID, newKID)

	oldMeta, _ := ks.FindByKID(oldKID)
	assert.Equal(t, StatusRetired, oldMeta.Status)

	newMeta, _ := ks.FindByKID(newKID)
	assert.Equal(t, StatusActive, newMeta.Status)

	assert.Equal(t, oldKID, att.Attestation.SignerKID)
	assert.Equal(t, newKID, att.Attestation.SubjectKID)
}

func TestRotate_RejectsNonActiveKey(t *testing.T) {
	ks := New()
	kid, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)

	_, _, err = ks.Rotate(kid, 30)
	require.NoError(t, err)

	// kid is now retired; rotating it again must fail with KeyNotActive.
	_, _, err = ks.Rotate(kid, 30)
	require.Error(t, err)
}

func TestArchive_RequiresRetiredFirst(t *testing.T) {
	ks := New()
	kid, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)

	err = ks.Archive(kid)
	require.Error(t, err)

	_, _, err = ks.Rotate(kid, 30)
	require.NoError(t, err)

	require.NoError(t, ks.Archive(kid))
	m, _ := ks.FindByKID(kid)
	assert.Equal(t, StatusArchived, m.Status)
}

func TestRevoke_IsTerminal(t *testing.T) {
	ks := New()
	kid, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)

	require.NoError(t, ks.Revoke(kid))
	m, _ := ks.FindByKID(kid)
	assert.Equal(t, StatusRevoked, m.Status)
}

func TestVerifyChain_ValidChain(t *testing.T) {
	ks := New()
	root, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)
	mid, att1, err := ks.Rotate(root, 30)
	require.NoError(t, err)
	_, att2, err := ks.Rotate(mid, 30)
	require.NoError(t, err)

	chain := []certification.Attestation{*att1, *att2}
	require.NoError(t, ks.VerifyChain(chain))
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	ks := New()
	root, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)
	_, att1, err := ks.Rotate(root, 30)
	require.NoError(t, err)

	otherRoot, err := ks.Keygen("other-ops", 30, nil)
	require.NoError(t, err)
	_, att2, err := ks.Rotate(otherRoot, 30)
	require.NoError(t, err)

	// att2's signer has no relation to att1's subject: the chain is broken.
	chain := []certification.Attestation{*att1, *att2}
	require.Error(t, ks.VerifyChain(chain))
}

func TestRevokedSigner_FailsChainVerification(t *testing.T) {
	ks := New()
	root, err := ks.Keygen("supplier-ops", 30, nil)
	require.NoError(t, err)
	_, att, err := ks.Rotate(root, 30)
	require.NoError(t, err)

	require.NoError(t, ks.Revoke(root))
	err = ks.VerifyChain([]certification.Attestation{*att})
	require.Error(t, err)
}

func TestOpen_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys")

	ks, err := Open(path)
	require.NoError(t, err)
	kid, err := ks.Keygen("supplier-ops", 30, []string{"manifest_signing"})
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	m, ok := reopened.FindByKID(kid)
	require.True(t, ok)
	assert.Equal(t, StatusActive, m.Status)
}
