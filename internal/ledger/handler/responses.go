package handler

import (
	"time"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/models"
)

// RecordResponse is returned by POST /audit/events. Entry is absent when the
// event was accepted into the spill buffer instead of being written.
type RecordResponse struct {
	Accepted bool          `json:"accepted"`
	Entry    *models.Entry `json:"entry,omitempty"`
}

type EntriesResponse struct {
	Entries []*models.Entry `json:"entries"`
	Count   int             `json:"count"`
}

type BlocksResponse struct {
	Blocks []*models.Block `json:"blocks"`
	Count  int             `json:"count"`
}

// SealResponse is returned by POST /audit/blocks/seal. Sealed is false when
// there was nothing pending.
type SealResponse struct {
	Sealed bool          `json:"sealed"`
	Block  *models.Block `json:"block,omitempty"`
}

type FindingsResponse struct {
	Findings    []anomaly.Finding `json:"findings"`
	Count       int               `json:"count"`
	WindowStart time.Time         `json:"windowStart"`
	WindowEnd   time.Time         `json:"windowEnd"`
}
