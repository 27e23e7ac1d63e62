package agent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capassure/capcore/pkg/audit"
	"github.com/capassure/capcore/pkg/keystore"
	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/policy"
	"github.com/capassure/capcore/pkg/policystore"
	"github.com/capassure/capcore/pkg/registry"
	"github.com/capassure/capcore/pkg/verifier"
)

const policySource = `
policy_name: lksg-base
rules:
  - rule_id: require_at_least_one_ubo
    op: threshold
    lhs: ubo_count
    rhs: 1
    cost_class: cheap
  - rule_id: supplier_count_max
    op: range_max
    lhs: supplier_count
    rhs: 10
    cost_class: cheap
`

func newAgent(t *testing.T) (*Agent, *audit.Chain, *keystore.KeyStore) {
	t.Helper()
	chain := audit.NewChain()
	ks := keystore.New()
	policies, err := policystore.New(8)
	require.NoError(t, err)
	store := registry.NewJSONStore(filepath.Join(t.TempDir(), "registry.json"))

	a, err := New(Config{
		Chain:    chain,
		Keys:     ks,
		Registry: store,
		Policies: policies,
	})
	require.NoError(t, err)
	return a, chain, ks
}

func TestPipelineEndToEnd(t *testing.T) {
	a, chain, ks := newAgent(t)

	_, err := ks.Keygen("acme", 365, []string{"manifest_signing"})
	require.NoError(t, err)

	suppliers := []interface{}{
		map[string]interface{}{"name": "A", "jurisdiction": "DE", "tier": 1},
		map[string]interface{}{"name": "B", "jurisdiction": "US", "tier": 2},
	}
	ubos := []interface{}{
		map[string]interface{}{"name": "O", "birthdate": "1970-01-01", "citizenship": "DE"},
	}

	commitments, err := a.GenerateCommitments(suppliers, ubos)
	require.NoError(t, err)
	assert.Len(t, commitments.CompanyCommitmentRoot, 66)

	compiled, err := a.CompilePolicy([]byte(policySource), policy.LintStrict)
	require.NoError(t, err)

	m, err := a.BuildManifest(*commitments, manifest.PolicyRef{
		Name: "lksg-base", Version: "1", Hash: compiled.PolicyHash,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Audit.EventsCount)

	record := map[string]interface{}{"ubo_count": 1, "supplier_count": 2}
	p, withProof, err := a.BuildProof(compiled.IR, record, m)
	require.NoError(t, err)
	assert.Equal(t, "ok", p.Status)
	require.NotNil(t, withProof.Proof)

	signed, err := a.SignManifest(m, "acme")
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 1)

	entry, err := a.RegisterProof(m, p, "acme")
	require.NoError(t, err)
	require.NotNil(t, entry.Timestamp)
	assert.NoError(t, registry.VerifySignature(*entry))

	// Every state-changing step left an audit event and the chain still
	// verifies.
	assert.GreaterOrEqual(t, chain.Len(), 6)
	assert.True(t, chain.Verify().OK)

	// The signed manifest verifies against the issued entry.
	meta, ok := ks.GetActive("acme")
	require.True(t, ok)
	report := verifier.Verify(verifier.Input{
		Manifest: signed,
		Proof:    p,
		Registry: []registry.Entry{*entry},
		TrustedKeys: map[string]verifier.TrustedKey{
			meta.KID: {PublicKeyB64: meta.PublicKeyB64},
		},
		Options: verifier.Options{CheckSignatures: true, CheckRegistry: true},
	})
	assert.Equal(t, "ok", report.Status, "details: %v", report.Details)
}

func TestAnchorManifestBindsAuditTip(t *testing.T) {
	a, chain, _ := newAgent(t)

	commitments, err := a.GenerateCommitments(
		[]interface{}{map[string]interface{}{"name": "A"}},
		[]interface{}{map[string]interface{}{"name": "O"}},
	)
	require.NoError(t, err)

	compiled, err := a.CompilePolicy([]byte(policySource), policy.LintStrict)
	require.NoError(t, err)

	m, err := a.BuildManifest(*commitments, manifest.PolicyRef{
		Name: "lksg-base", Version: "1", Hash: compiled.PolicyHash,
	})
	require.NoError(t, err)

	tipBefore := chain.Tip()
	anchored, err := a.AnchorManifest(m, nil)
	require.NoError(t, err)
	require.NotNil(t, anchored.TimeAnchor)
	assert.Equal(t, tipBefore, anchored.TimeAnchor.AuditTipHex)
	require.NotNil(t, anchored.TimeAnchor.Private)
	assert.Equal(t, anchored.TimeAnchor.AuditTipHex, anchored.TimeAnchor.Private.AuditTipHex)
}

func TestRotateKeyAppendsEvent(t *testing.T) {
	a, chain, ks := newAgent(t)

	kid, err := ks.Keygen("acme", 30, nil)
	require.NoError(t, err)

	newKID, err := a.RotateKey(kid, 30)
	require.NoError(t, err)
	assert.NotEqual(t, kid, newKID)

	events := chain.Export(audit.ExportFilter{})
	require.NotEmpty(t, events)
	assert.Equal(t, "key_rotated", events[len(events)-1].EventType)
}

func TestBackupRestoreRegistry(t *testing.T) {
	a, _, _ := newAgent(t)

	snapshot, err := a.BackupRegistry()
	require.NoError(t, err)
	require.NoError(t, a.RestoreRegistry(snapshot))
}

func TestNewRequiresChain(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
