package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/sentinel"
)

// Query returns entries matching filter, newest first. The limit defaults to
// models.DefaultQueryLimit and is capped at models.MaxQueryLimit.
func (s *Service) Query(ctx context.Context, filter models.QueryFilter) ([]*models.Entry, error) {
	filter.Normalize()
	if filter.Start != nil && filter.End != nil && !filter.Start.Before(*filter.End) {
		return nil, dErrors.New(dErrors.CodeValidation, "start must be before end")
	}
	if filter.MinHeight != nil && filter.MaxHeight != nil && *filter.MinHeight > *filter.MaxHeight {
		return nil, dErrors.New(dErrors.CodeValidation, "minHeight must not exceed maxHeight")
	}
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to query audit entries")
	}
	if entries == nil {
		entries = []*models.Entry{}
	}
	return entries, nil
}

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*models.Entry, error) {
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "audit entry not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load audit entry")
	}
	return entry, nil
}

func (s *Service) GetBlock(ctx context.Context, height int64) (*models.Block, error) {
	block, err := s.store.GetBlock(ctx, height)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "block not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load block")
	}
	return block, nil
}

// ListBlocks pages through blocks above afterHeight in height order.
func (s *Service) ListBlocks(ctx context.Context, afterHeight int64, limit int) ([]*models.Block, error) {
	if limit <= 0 {
		limit = models.DefaultQueryLimit
	}
	if limit > models.MaxQueryLimit {
		limit = models.MaxQueryLimit
	}
	blocks, err := s.store.ListBlocks(ctx, afterHeight, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list blocks")
	}
	if blocks == nil {
		blocks = []*models.Block{}
	}
	return blocks, nil
}

// Proof builds a Merkle inclusion proof for a sealed entry.
func (s *Service) Proof(ctx context.Context, id uuid.UUID) (*models.MerkleProof, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.IsSealed() {
		return nil, dErrors.New(dErrors.CodeConflict, "entry is not sealed yet")
	}
	block, err := s.GetBlock(ctx, entry.BlockHeight)
	if err != nil {
		return nil, err
	}
	members, err := s.store.EntriesByBlock(ctx, entry.BlockHeight)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load block members")
	}

	leaves := make([]string, len(members))
	index := -1
	for i, m := range members {
		leaves[i] = integrity.EntryHash(m)
		if m.ID == id {
			index = i
		}
	}
	if index < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "entry missing from its block")
	}
	path, err := integrity.MerklePath(leaves, index)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build merkle path")
	}
	return &models.MerkleProof{
		EntryID:     id,
		BlockHeight: block.Height,
		LeafHash:    leaves[index],
		MerkleRoot:  block.MerkleRoot,
		LeafIndex:   index,
		TreeSize:    len(leaves),
		Path:        path,
	}, nil
}
