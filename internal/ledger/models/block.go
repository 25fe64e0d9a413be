package models

import (
	"time"

	"github.com/google/uuid"
)

// Block is a sealed, immutable batch of entries.
type Block struct {
	Height            int64       `json:"height"`
	BlockHash         string      `json:"blockHash"`
	PreviousBlockHash string      `json:"previousBlockHash"`
	Timestamp         time.Time   `json:"timestamp"`
	MerkleRoot        string      `json:"merkleRoot"`
	EntryCount        int         `json:"entryCount"`
	FirstSequence     int64       `json:"firstSequence"`
	LastSequence      int64       `json:"lastSequence"`
	EntryIDs          []uuid.UUID `json:"entryIds,omitempty"`
}

// Header returns the fields covered by BlockHash.
func (b *Block) Header() BlockHeader {
	return BlockHeader{
		Height:            b.Height,
		PreviousBlockHash: b.PreviousBlockHash,
		Timestamp:         b.Timestamp,
		MerkleRoot:        b.MerkleRoot,
	}
}

// BlockHeader is the hashed part of a block.
type BlockHeader struct {
	Height            int64
	PreviousBlockHash string
	Timestamp         time.Time
	MerkleRoot        string
}

// BlockHead is the link target for the next seal. The zero value means no
// block has been sealed yet.
type BlockHead struct {
	Height    int64
	BlockHash string
}

// IsEmpty reports whether no block has been sealed yet.
func (h BlockHead) IsEmpty() bool {
	return h.Height == 0
}
