package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKIDDeterministicAndUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)

		kid := DeriveKID(pub)
		require.Len(t, kid, 32)
		require.Equal(t, kid, DeriveKID(pub), "derive_kid must be a pure function")
		require.False(t, seen[kid], "kid collision at iteration %d", i)
		seen[kid] = true
	}
}

func TestFingerprintLength(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.Len(t, DeriveFingerprint(pub), 32)
}
