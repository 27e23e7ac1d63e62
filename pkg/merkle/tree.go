// Package merkle implements the commitment engine: deterministic BLAKE3
// Merkle roots over ordered record sequences, and the company commitment
// root obtained by combining a supplier root and a UBO root.
package merkle

import (
	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
)

// CommitmentError reports which input record failed canonicalisation.
// Matches the public contract: a structured error carrying record_index
// and reason, with nothing partial returned.
type CommitmentError struct {
	RecordIndex int
	Reason      string
}

func (e *CommitmentError) Error() string {
	return caperrors.Canonicalisation("records", "record %d: %s", e.RecordIndex, e.Reason).Error()
}

type leaf struct {
	hash [32]byte
}

// buildLeaves canonicalises every record in input order and hashes it:
// leaf = BLAKE3-256(canonical(record)). Leaf order is fixed — never
// sorted — so that byte-identical inputs in the same order always produce
// the same root.
func buildLeaves(records []interface{}) ([]leaf, error) {
	leaves := make([]leaf, 0, len(records))
	for i, r := range records {
		canon, err := canonicalize.JCS(r)
		if err != nil {
			return nil, &CommitmentError{RecordIndex: i, Reason: err.Error()}
		}
		leaves = append(leaves, leaf{hash: canonicalize.BLAKE3Raw(canon)})
	}
	return leaves, nil
}

// buildRoot builds the tree bottom-up: parent = BLAKE3(left || right).
// On an odd count at any level, the final hash is duplicated (copied, not
// re-hashed) before pairing. A single-leaf set's root is the leaf itself.
func buildRoot(leaves []leaf) [32]byte {
	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		level[i] = l.hash
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			buf := make([]byte, 0, 64)
			buf = append(buf, level[i][:]...)
			buf = append(buf, level[i+1][:]...)
			next = append(next, canonicalize.BLAKE3Raw(buf))
		}
		level = next
	}
	return level[0]
}

// computeRecordSetRoot is the shared implementation behind ComputeSupplierRoot
// and ComputeUBORoot: an empty record set is a domain error, not an
// implicit empty root.
func computeRecordSetRoot(records []interface{}) ([32]byte, error) {
	if len(records) == 0 {
		return [32]byte{}, caperrors.Domain("commitment: empty record set is not a valid input")
	}
	leaves, err := buildLeaves(records)
	if err != nil {
		return [32]byte{}, err
	}
	return buildRoot(leaves), nil
}

// ComputeSupplierRoot produces the deterministic BLAKE3 root over an
// ordered sequence of supplier records.
func ComputeSupplierRoot(records []interface{}) ([32]byte, error) {
	return computeRecordSetRoot(records)
}

// ComputeUBORoot produces the deterministic BLAKE3 root over an ordered
// sequence of beneficial-owner records.
func ComputeUBORoot(records []interface{}) ([32]byte, error) {
	return computeRecordSetRoot(records)
}

// ComputeCompanyCommitmentRoot combines the supplier and UBO roots:
// BLAKE3-256(supplier_root || ubo_root).
func ComputeCompanyCommitmentRoot(supplierRoot, uboRoot [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, supplierRoot[:]...)
	buf = append(buf, uboRoot[:]...)
	return canonicalize.BLAKE3Raw(buf)
}
