package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/sentinel"
)

// SealBlock groups every pending entry into the next block.
//
// An empty pending set returns models.ErrNoPendingEntries and changes
// nothing. A membership race returns dErrors.CodeConflict; callers retry the
// whole seal.
func (s *Service) SealBlock(ctx context.Context) (*models.Block, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ledger.seal")
	defer span.End()

	block, err := s.store.Seal(ctx, func(head models.BlockHead, pending []*models.Entry) (*models.Block, error) {
		return s.buildBlock(head, pending), nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNoPendingEntries) {
			return nil, err
		}
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, sentinel.ErrConflict) {
			if s.metrics != nil {
				s.metrics.IncSealConflict()
			}
			s.logger.WarnContext(ctx, "block seal conflict", "error", err)
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "sealing conflict: pending entries changed during seal")
		}
		s.logger.ErrorContext(ctx, "failed to seal block", "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to seal block")
	}

	span.SetAttributes(
		attribute.Int64("ledger.block_height", block.Height),
		attribute.Int("ledger.block_entries", block.EntryCount),
	)
	if s.metrics != nil {
		s.metrics.ObserveSeal(start, block.EntryCount)
	}
	s.logger.InfoContext(ctx, "block sealed",
		"block_height", block.Height,
		"block_hash", block.BlockHash,
		"entry_count", block.EntryCount,
	)
	return block, nil
}

func (s *Service) buildBlock(head models.BlockHead, pending []*models.Entry) *models.Block {
	ids := make([]uuid.UUID, len(pending))
	for i, e := range pending {
		ids[i] = e.ID
	}
	b := &models.Block{
		Height:            head.Height + 1,
		PreviousBlockHash: head.BlockHash,
		Timestamp:         s.now(),
		MerkleRoot:        integrity.MerkleRootOf(pending),
		EntryCount:        len(pending),
		FirstSequence:     pending[0].Sequence,
		LastSequence:      pending[len(pending)-1].Sequence,
		EntryIDs:          ids,
	}
	b.BlockHash = integrity.BlockHash(b.Header())
	return b
}
