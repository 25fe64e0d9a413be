package integrity

import (
	"fmt"

	"ledger/internal/ledger/models"
)

func combine(left, right string) string {
	return Sum([]byte(left + right))
}

// MerkleRoot folds leaf hashes pairwise, duplicating the last hash of any
// odd-sized level, until one hash remains. No leaves yields "".
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, combine(level[i], right))
		}
		level = next
	}
	return level[0]
}

// MerkleRootOf computes the root over the chain hashes of ordered entries.
func MerkleRootOf(entries []*models.Entry) string {
	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = EntryHash(e)
	}
	return MerkleRoot(leaves)
}

// MerklePath returns the sibling hashes from leaves[index] up to the root.
func MerklePath(leaves []string, index int) ([]models.ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}
	level := make([]string, len(leaves))
	copy(level, leaves)

	var path []models.ProofStep
	idx := index
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			switch idx {
			case i:
				path = append(path, models.ProofStep{Hash: right, Position: models.SiblingRight})
			case i + 1:
				path = append(path, models.ProofStep{Hash: level[i], Position: models.SiblingLeft})
			}
			next = append(next, combine(level[i], right))
		}
		idx /= 2
		level = next
	}
	return path, nil
}

// VerifyProof recomputes the root from the proof's leaf and path.
func VerifyProof(p *models.MerkleProof) bool {
	if p == nil || p.LeafHash == "" {
		return false
	}
	current := p.LeafHash
	for _, step := range p.Path {
		if step.Position == models.SiblingLeft {
			current = combine(step.Hash, current)
		} else {
			current = combine(current, step.Hash)
		}
	}
	return Equal(current, p.MerkleRoot)
}
