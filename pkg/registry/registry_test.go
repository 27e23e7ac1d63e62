package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capassure/capcore/pkg/crypto"
	"github.com/capassure/capcore/pkg/keystore"
)

const (
	mHash = "0x1111111111111111111111111111111111111111111111111111111111111111"
	pHash = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := OpenSQLite(filepath.Join(dir, "registry.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"json":   NewJSONStore(filepath.Join(dir, "registry.json")),
		"sqlite": sqlite,
	}
}

func TestSignAndVerifyEntry(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)

	signed, err := Sign(NewEntry(mHash, pHash), signer)
	require.NoError(t, err)

	assert.Equal(t, SchemeEd25519, signed.SignatureScheme)
	assert.Equal(t, crypto.DeriveKID(signer.PublicKeyBytes()), signed.KID)
	assert.NoError(t, VerifySignature(signed))
}

func TestVerifyRejectsTamperedEntry(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)

	signed, err := Sign(NewEntry(mHash, pHash), signer)
	require.NoError(t, err)

	tampered := signed
	tampered.ProofHash = "0x3333333333333333333333333333333333333333333333333333333333333333"
	assert.Error(t, VerifySignature(tampered))
}

func TestCoreHashExcludesSignatureFields(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)

	e := NewEntry(mHash, pHash)
	before, err := e.CoreHash()
	require.NoError(t, err)

	signed, err := Sign(e, signer)
	require.NoError(t, err)
	after, err := signed.CoreHash()
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestStoreAddFindList(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			e := NewEntry(mHash, pHash)
			require.NoError(t, store.AddEntry(e))

			found, ok, err := store.FindByHashes(mHash, pHash)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, e.ID, found.ID)

			_, ok, err = store.FindByHashes(pHash, mHash)
			require.NoError(t, err)
			assert.False(t, ok)

			entries, err := store.List(Filter{})
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestStoreDuplicateSemantics(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			e := NewEntry(mHash, pHash)
			require.NoError(t, store.AddEntry(e))

			// Identical bytes: idempotent success.
			require.NoError(t, store.AddEntry(e))
			entries, err := store.List(Filter{})
			require.NoError(t, err)
			assert.Len(t, entries, 1)

			// Same hash pair, different body: HashConflict.
			other := NewEntry(mHash, pHash)
			assert.Error(t, store.AddEntry(other))
		})
	}
}

func TestStoreLoadSaveRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			e := NewEntry(mHash, pHash)
			require.NoError(t, store.AddEntry(e))

			r, err := store.Load()
			require.NoError(t, err)
			require.Len(t, r.Entries, 1)

			require.NoError(t, store.Save(r))
			r2, err := store.Load()
			require.NoError(t, err)
			assert.Equal(t, r.Entries[0].ID, r2.Entries[0].ID)
		})
	}
}

func TestStrictWriterRefusesUnsigned(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "registry.json"))
	w := NewWriter(store, nil, true)
	assert.Error(t, w.Add(NewEntry(mHash, pHash)))
}

func TestStrictWriterRefusesRetiredKey(t *testing.T) {
	ks := keystore.New()
	kid, err := ks.Keygen("acme", 30, []string{"registry"})
	require.NoError(t, err)
	signer, ok := ks.Signer(kid)
	require.True(t, ok)

	store := NewJSONStore(filepath.Join(t.TempDir(), "registry.json"))
	w := NewWriter(store, ks, true)

	signed, err := Sign(NewEntry(mHash, pHash), signer)
	require.NoError(t, err)
	require.NoError(t, w.Add(signed))

	// Rotation retires the old key; it may no longer sign new entries in
	// strict mode.
	_, _, err = ks.Rotate(kid, 30)
	require.NoError(t, err)

	e3 := NewEntry(
		"0x4444444444444444444444444444444444444444444444444444444444444444",
		"0x5555555555555555555555555555555555555555555555555555555555555555")
	signed3, err := Sign(e3, signer)
	require.NoError(t, err)
	err = w.Add(signed3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestRelaxedWriterToleratesUnsigned(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "registry.json"))
	w := NewWriter(store, nil, false)
	assert.NoError(t, w.Add(NewEntry(mHash, pHash)))
}
