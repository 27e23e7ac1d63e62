package merkle

import (
	"encoding/hex"
	"strconv"

	"github.com/capassure/capcore/pkg/canonicalize"
)

// InclusionProof demonstrates that a single record at LeafIndex is part of
// the tree rooted at MerkleRoot, without revealing the other records.
type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": which side the sibling occupies
	SiblingHash string `json:"sibling_hash"`
}

// BuildInclusionProof computes the proof path for the record at index i in
// the given ordered record set.
func BuildInclusionProof(records []interface{}, i int) (*InclusionProof, error) {
	leaves, err := buildLeaves(records)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(leaves) {
		return nil, errOutOfRange(i, len(leaves))
	}

	level := make([][32]byte, len(leaves))
	for idx, l := range leaves {
		level[idx] = l.hash
	}

	steps := make([]ProofStep, 0)
	pos := i
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var sibling [32]byte
		var side string
		if pos%2 == 0 {
			sibling = level[pos+1]
			side = "R"
		} else {
			sibling = level[pos-1]
			side = "L"
		}
		steps = append(steps, ProofStep{Side: side, SiblingHash: hex.EncodeToString(sibling[:])})

		next := make([][32]byte, 0, len(level)/2)
		for j := 0; j < len(level); j += 2 {
			buf := make([]byte, 0, 64)
			buf = append(buf, level[j][:]...)
			buf = append(buf, level[j+1][:]...)
			next = append(next, canonicalize.BLAKE3Raw(buf))
		}
		level = next
		pos /= 2
	}

	return &InclusionProof{
		LeafIndex:  i,
		LeafHash:   hex.EncodeToString(leaves[i].hash[:]),
		MerkleRoot: hex.EncodeToString(level[0][:]),
		ProofPath:  steps,
	}, nil
}

// VerifyInclusionProof recomputes the path from the leaf up to the root and
// compares it against the expected root (if non-empty) and the proof's own
// claimed root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current, err := hex.DecodeString(proof.LeafHash)
	if err != nil || len(current) != 32 {
		return false
	}

	for _, step := range proof.ProofPath {
		sibling, err := hex.DecodeString(step.SiblingHash)
		if err != nil || len(sibling) != 32 {
			return false
		}
		buf := make([]byte, 0, 64)
		if step.Side == "L" {
			buf = append(buf, sibling...)
			buf = append(buf, current...)
		} else {
			buf = append(buf, current...)
			buf = append(buf, sibling...)
		}
		next := canonicalize.BLAKE3Raw(buf)
		current = next[:]
	}

	return hex.EncodeToString(current) == proof.MerkleRoot
}

func errOutOfRange(i, n int) error {
	return &CommitmentError{RecordIndex: i, Reason: "leaf index out of range (set size " + strconv.Itoa(n) + ")"}
}
