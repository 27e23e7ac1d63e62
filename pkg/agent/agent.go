// Package agent orchestrates the commit → prove → sign → register
// pipeline: it wires the commitment engine, policy compiler and store,
// manifest builder, proof engine, key store, registry and timestamp
// provider together, and records every state-changing operation on the
// audit chain. Bundle packaging is not part of it.
package agent

import (
	"encoding/hex"
	"log/slog"

	"github.com/capassure/capcore/pkg/audit"
	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/keystore"
	"github.com/capassure/capcore/pkg/manifest"
	"github.com/capassure/capcore/pkg/merkle"
	"github.com/capassure/capcore/pkg/policy"
	"github.com/capassure/capcore/pkg/policystore"
	"github.com/capassure/capcore/pkg/proof"
	"github.com/capassure/capcore/pkg/registry"
	"github.com/capassure/capcore/pkg/timestamp"
)

// Config wires an Agent. Chain is required; the rest may be nil when the
// corresponding operations are unused.
type Config struct {
	Chain      *audit.Chain
	Keys       *keystore.KeyStore
	Registry   registry.Store
	Policies   *policystore.Store
	Timestamps timestamp.Provider
	Strict     bool
	Logger     *slog.Logger
}

// Agent is the stateful pipeline host. All mutating operations append to
// the audit chain before returning.
type Agent struct {
	chain      *audit.Chain
	keys       *keystore.KeyStore
	registry   registry.Store
	policies   *policystore.Store
	timestamps timestamp.Provider
	strict     bool
	log        *slog.Logger
}

// New constructs an Agent from cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Chain == nil {
		return nil, caperrors.Domain("agent: audit chain is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	provider := cfg.Timestamps
	if provider == nil {
		provider = timestamp.MockProvider{}
	}
	return &Agent{
		chain:      cfg.Chain,
		keys:       cfg.Keys,
		registry:   cfg.Registry,
		policies:   cfg.Policies,
		timestamps: provider,
		strict:     cfg.Strict,
		log:        logger,
	}, nil
}

// Commitments holds the roots produced by GenerateCommitments.
type Commitments struct {
	SupplierRoot          string
	UBORoot               string
	CompanyCommitmentRoot string
}

func hexRoot(r [32]byte) string { return "0x" + hex.EncodeToString(r[:]) }

// GenerateCommitments computes the three commitment roots over the given
// record sets and records the operation.
func (a *Agent) GenerateCommitments(suppliers, ubos []interface{}) (*Commitments, error) {
	supplierRoot, err := merkle.ComputeSupplierRoot(suppliers)
	if err != nil {
		return nil, err
	}
	uboRoot, err := merkle.ComputeUBORoot(ubos)
	if err != nil {
		return nil, err
	}
	companyRoot := merkle.ComputeCompanyCommitmentRoot(supplierRoot, uboRoot)

	c := &Commitments{
		SupplierRoot:          hexRoot(supplierRoot),
		UBORoot:               hexRoot(uboRoot),
		CompanyCommitmentRoot: hexRoot(companyRoot),
	}
	if _, err := a.chain.Append("commitment_generated", map[string]interface{}{
		"supplier_root":           c.SupplierRoot,
		"ubo_root":                c.UBORoot,
		"company_commitment_root": c.CompanyCommitmentRoot,
		"supplier_count":          len(suppliers),
		"ubo_count":               len(ubos),
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// CompilePolicy compiles source, stores the IR, and records the
// operation.
func (a *Agent) CompilePolicy(source []byte, mode policy.LintMode) (*policy.CompileResult, error) {
	res, err := policy.Compile(source, mode)
	if err != nil {
		return nil, err
	}
	if a.policies != nil {
		if _, err := a.policies.Put(res.IR); err != nil {
			return nil, err
		}
	}
	if _, err := a.chain.Append("policy_compiled", map[string]interface{}{
		"policy_id":   res.IR.PolicyID,
		"policy_hash": res.PolicyHash,
		"ir_hash":     res.IRHash,
		"lint_count":  len(res.Lints),
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// BuildManifest assembles a manifest over the commitments and policy,
// binding the current audit tip, and records the operation.
func (a *Agent) BuildManifest(c Commitments, policyRef manifest.PolicyRef) (manifest.Manifest, error) {
	m := manifest.Build(manifest.Commitments{
		SupplierRoot:          c.SupplierRoot,
		UBORoot:               c.UBORoot,
		CompanyCommitmentRoot: c.CompanyCommitmentRoot,
	}, policyRef, a.chain.Tip(), a.chain.Len())

	hash, err := manifest.Hash(m)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if _, err := a.chain.Append("manifest_built", map[string]interface{}{
		"manifest_hash": hash,
		"policy_hash":   policyRef.Hash,
	}); err != nil {
		return manifest.Manifest{}, err
	}
	return m, nil
}

// SignManifest signs m with owner's active key and records the key event.
func (a *Agent) SignManifest(m manifest.Manifest, owner string) (manifest.Manifest, error) {
	if a.keys == nil {
		return manifest.Manifest{}, caperrors.Domain("agent: no key store configured")
	}
	meta, ok := a.keys.GetActive(owner)
	if !ok {
		return manifest.Manifest{}, caperrors.KeyNotActive(owner)
	}
	signer, ok := a.keys.Signer(meta.KID)
	if !ok {
		return manifest.Manifest{}, caperrors.Domain("agent: no private key material for kid %q", meta.KID)
	}
	signed, err := manifest.Sign(m, signer)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if _, err := a.chain.Append("manifest_signed", map[string]interface{}{
		"kid":   meta.KID,
		"owner": owner,
	}); err != nil {
		return manifest.Manifest{}, err
	}
	return signed, nil
}

// BuildProof runs the mock proof backend over the compiled policy and
// record, updates the manifest's proof summary, and records the
// operation.
func (a *Agent) BuildProof(ir policy.IR, record map[string]interface{}, m manifest.Manifest) (proof.Proof, manifest.Manifest, error) {
	p, err := proof.MockSystem{}.Build(ir, nil, record, m)
	if err != nil {
		return proof.Proof{}, manifest.Manifest{}, err
	}
	updated := m.WithProof(manifest.ProofRef{Type: p.Type, Status: p.Status})

	proofHash, err := proof.Hash(p)
	if err != nil {
		return proof.Proof{}, manifest.Manifest{}, err
	}
	if _, err := a.chain.Append("proof_built", map[string]interface{}{
		"proof_hash":  proofHash,
		"proof_type":  p.Type,
		"status":      p.Status,
		"policy_hash": p.PolicyHash,
	}); err != nil {
		return proof.Proof{}, manifest.Manifest{}, err
	}
	return p, updated, nil
}

// RegisterProof signs and inserts a registry entry for (manifest, proof),
// stamped by the configured timestamp provider, and records the
// operation.
func (a *Agent) RegisterProof(m manifest.Manifest, p proof.Proof, owner string) (*registry.Entry, error) {
	if a.registry == nil {
		return nil, caperrors.Domain("agent: no registry configured")
	}
	manifestHash, err := manifest.Hash(m)
	if err != nil {
		return nil, err
	}
	proofHash, err := proof.Hash(p)
	if err != nil {
		return nil, err
	}

	entry := registry.NewEntry(manifestHash, proofHash)
	tok, err := a.timestamps.Create(a.chain.Tip())
	if err != nil {
		return nil, err
	}
	entry.Timestamp = tok

	if a.keys != nil {
		meta, ok := a.keys.GetActive(owner)
		if !ok && a.strict {
			return nil, caperrors.KeyNotActive(owner)
		}
		if ok {
			if signer, hasKey := a.keys.Signer(meta.KID); hasKey {
				entry, err = registry.Sign(entry, signer)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	writer := registry.NewWriter(a.registry, a.keys, a.strict)
	if err := writer.Add(entry); err != nil {
		return nil, err
	}
	if _, err := a.chain.Append("registry_entry_added", map[string]interface{}{
		"entry_id":      entry.ID,
		"manifest_hash": manifestHash,
		"proof_hash":    proofHash,
		"kid":           entry.KID,
	}); err != nil {
		return nil, err
	}
	a.log.Info("registry entry added", "entry_id", entry.ID, "kid", entry.KID)
	return &entry, nil
}

// AnchorManifest sets the manifest's dual time anchor to the current
// audit tip, optionally binding a public chain reference, and records the
// operation.
func (a *Agent) AnchorManifest(m manifest.Manifest, public *manifest.PublicAnchor) (manifest.Manifest, error) {
	tip := a.chain.Tip()
	anchor := manifest.TimeAnchor{
		Kind:        "dual",
		AuditTipHex: tip,
		CreatedAt:   m.CreatedAt,
		Private:     &manifest.PrivateAnchor{AuditTipHex: tip},
		Public:      public,
	}
	anchored := m.WithTimeAnchor(anchor)
	if _, err := a.chain.Append("manifest_anchored", map[string]interface{}{
		"audit_tip_hex": tip,
		"has_public":    public != nil,
	}); err != nil {
		return manifest.Manifest{}, err
	}
	return anchored, nil
}

// RotateKey rotates owner's current key and records the key event.
func (a *Agent) RotateKey(currentKID string, validDays int) (string, error) {
	if a.keys == nil {
		return "", caperrors.Domain("agent: no key store configured")
	}
	newKID, _, err := a.keys.Rotate(currentKID, validDays)
	if err != nil {
		return "", err
	}
	if _, err := a.chain.Append("key_rotated", map[string]interface{}{
		"old_kid": currentKID,
		"new_kid": newKID,
	}); err != nil {
		return "", err
	}
	a.log.Info("key rotated", "old_kid", currentKID, "new_kid", newKID)
	return newKID, nil
}

// BackupRegistry snapshots the registry and records the operation.
func (a *Agent) BackupRegistry() (*registry.Registry, error) {
	if a.registry == nil {
		return nil, caperrors.Domain("agent: no registry configured")
	}
	snapshot, err := a.registry.Load()
	if err != nil {
		return nil, err
	}
	if _, err := a.chain.Append("registry_backup", map[string]interface{}{
		"entry_count": len(snapshot.Entries),
	}); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RestoreRegistry replaces the registry contents from a snapshot and
// records the operation.
func (a *Agent) RestoreRegistry(snapshot *registry.Registry) error {
	if a.registry == nil {
		return caperrors.Domain("agent: no registry configured")
	}
	if err := a.registry.Save(snapshot); err != nil {
		return err
	}
	if _, err := a.chain.Append("registry_restored", map[string]interface{}{
		"entry_count": len(snapshot.Entries),
	}); err != nil {
		return err
	}
	return nil
}
