package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationReport is the outcome of a full chain replay. Violations are
// data, never errors.
type VerificationReport struct {
	IsValid        bool        `json:"isValid"`
	Message        string      `json:"message"`
	InvalidBlocks  []int64     `json:"invalidBlocks"`
	InvalidEntries []uuid.UUID `json:"invalidEntries"`
	// MissingSequences lists chain positions up to the head with no entry.
	MissingSequences []int64   `json:"missingSequences,omitempty"`
	BlocksChecked    int       `json:"blocksChecked"`
	EntriesChecked   int       `json:"entriesChecked"`
	VerifiedAt       time.Time `json:"verifiedAt"`
}

// MerkleProof shows that an entry hash is included under a block's Merkle root.
type MerkleProof struct {
	EntryID     uuid.UUID   `json:"entryId"`
	BlockHeight int64       `json:"blockHeight"`
	LeafHash    string      `json:"leafHash"`
	MerkleRoot  string      `json:"merkleRoot"`
	LeafIndex   int         `json:"leafIndex"`
	TreeSize    int         `json:"treeSize"`
	Path        []ProofStep `json:"path"`
}

// Sibling positions in a proof path.
const (
	SiblingLeft  = "left"
	SiblingRight = "right"
)

// ProofStep is one sibling hash on the path from leaf to root.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}
