// Package memory is an in-process ledger store for tests and single-node
// development. One mutex serializes appends and seals.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/store"
	"ledger/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*models.Entry // chain order
	byID    map[uuid.UUID]*models.Entry
	blocks  []*models.Block // height order
	head    models.ChainHead
}

func New() *InMemoryStore {
	return &InMemoryStore{byID: make(map[uuid.UUID]*models.Entry)}
}

// Append links and stores the entry built from the current chain head.
func (s *InMemoryStore) Append(ctx context.Context, build store.AppendFunc) (*models.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := build(s.head)
	if err != nil {
		return nil, err
	}
	if entry.Sequence != s.head.Sequence+1 {
		return nil, fmt.Errorf("append sequence %d after %d: %w", entry.Sequence, s.head.Sequence, sentinel.ErrConflict)
	}
	if _, exists := s.byID[entry.ID]; exists {
		return nil, fmt.Errorf("append entry %s: %w", entry.ID, sentinel.ErrConflict)
	}

	stored := entry.Clone()
	s.entries = append(s.entries, stored)
	s.byID[stored.ID] = stored
	s.head = models.ChainHead{Sequence: stored.Sequence, EntryHash: integrity.EntryHash(entry)}
	return entry, nil
}

// Seal groups every pending entry into the block built by build.
func (s *InMemoryStore) Seal(ctx context.Context, build store.SealFunc) (*models.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.Entry
	for _, e := range s.entries {
		if !e.IsSealed() {
			pending = append(pending, e.Clone())
		}
	}
	if len(pending) == 0 {
		return nil, models.ErrNoPendingEntries
	}

	block, err := build(s.blockHead(), pending)
	if err != nil {
		return nil, err
	}
	if block.Height != s.blockHead().Height+1 {
		return nil, fmt.Errorf("seal height %d: %w", block.Height, sentinel.ErrConflict)
	}

	for _, id := range block.EntryIDs {
		e, ok := s.byID[id]
		if !ok || e.IsSealed() {
			return nil, fmt.Errorf("seal entry %s: %w", id, sentinel.ErrConflict)
		}
	}
	for _, id := range block.EntryIDs {
		e := s.byID[id]
		e.BlockHeight = block.Height
		e.BlockHash = block.BlockHash
	}

	stored := *block
	stored.EntryIDs = append([]uuid.UUID(nil), block.EntryIDs...)
	s.blocks = append(s.blocks, &stored)
	return block, nil
}

func (s *InMemoryStore) blockHead() models.BlockHead {
	if len(s.blocks) == 0 {
		return models.BlockHead{}
	}
	last := s.blocks[len(s.blocks)-1]
	return models.BlockHead{Height: last.Height, BlockHash: last.BlockHash}
}

func (s *InMemoryStore) GetEntry(_ context.Context, id uuid.UUID) (*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) GetBlock(_ context.Context, height int64) (*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if height < 1 || height > int64(len(s.blocks)) {
		return nil, sentinel.ErrNotFound
	}
	return cloneBlock(s.blocks[height-1]), nil
}

// ListBlocks returns up to limit blocks with height greater than afterHeight.
func (s *InMemoryStore) ListBlocks(_ context.Context, afterHeight int64, limit int) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Block
	for _, b := range s.blocks {
		if b.Height <= afterHeight {
			continue
		}
		out = append(out, cloneBlock(b))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// EntriesByBlock returns a block's members in chain order.
func (s *InMemoryStore) EntriesByBlock(_ context.Context, height int64) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entry
	for _, e := range s.entries {
		if e.BlockHeight == height {
			out = append(out, e.Clone())
		}
	}
	store.SortChainOrder(out)
	return out, nil
}

// PendingEntries pages through unsealed entries in chain order.
func (s *InMemoryStore) PendingEntries(_ context.Context, afterSequence int64, limit int) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entry
	for _, e := range s.entries {
		if e.IsSealed() || e.Sequence <= afterSequence {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// EntriesBySequence returns entries with sequences in [from, to], in chain
// order.
func (s *InMemoryStore) EntriesBySequence(_ context.Context, from, to int64) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entry
	for _, e := range s.entries {
		if e.Sequence >= from && e.Sequence <= to {
			out = append(out, e.Clone())
		}
	}
	store.SortChainOrder(out)
	return out, nil
}

// Query returns matching entries newest first. The filter is expected to be
// normalized by the caller.
func (s *InMemoryStore) Query(_ context.Context, filter models.QueryFilter) ([]*models.Entry, error) {
	s.mu.RLock()
	var matched []*models.Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.RUnlock()

	store.SortNewestFirst(matched)
	if filter.Offset >= len(matched) {
		return []*models.Entry{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// EntriesBetween returns entries with timestamps in [start, end), oldest first.
func (s *InMemoryStore) EntriesBetween(_ context.Context, start, end time.Time) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entry
	for _, e := range s.entries {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, e.Clone())
		}
	}
	store.SortOldestFirst(out)
	return out, nil
}

// Head returns the current chain and block heads.
func (s *InMemoryStore) Head(_ context.Context) (models.ChainHead, models.BlockHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, s.blockHead(), nil
}

// Mutate rewrites a stored entry in place, bypassing every ledger rule.
// Only tamper-detection tests use it.
func (s *InMemoryStore) Mutate(id uuid.UUID, fn func(e *models.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	fn(e)
	return nil
}

// MutateBlock rewrites a stored block in place. Only tests use it.
func (s *InMemoryStore) MutateBlock(height int64, fn func(b *models.Block)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height < 1 || height > int64(len(s.blocks)) {
		return sentinel.ErrNotFound
	}
	fn(s.blocks[height-1])
	return nil
}

func cloneBlock(b *models.Block) *models.Block {
	c := *b
	c.EntryIDs = append([]uuid.UUID(nil), b.EntryIDs...)
	return &c
}
