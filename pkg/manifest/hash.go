package manifest

import "github.com/capassure/capcore/pkg/canonicalize"

// Hash computes manifest_hash = SHA3-256(canonical(manifest-minus-signatures)).
func Hash(m Manifest) (string, error) {
	return canonicalize.CanonicalSHA3(m.unsigned())
}
