package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	audit "ledger/pkg/platform/audit"
	"ledger/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	base  time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
	s.base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) appendEvent(actor string, offset time.Duration) *models.Entry {
	e, err := s.store.Append(s.ctx, func(head models.ChainHead) (*models.Entry, error) {
		entry := models.NewEntry(uuid.New(), s.base.Add(offset), audit.Event{
			EventType:   audit.EventDataRead,
			Action:      "read",
			Result:      audit.ResultSuccess,
			ActorUserID: actor,
			TenantID:    "t1",
		})
		entry.Sequence = head.Sequence + 1
		entry.PreviousHash = head.EntryHash
		entry.Signature = "sig"
		return entry, nil
	})
	s.Require().NoError(err)
	return e
}

func (s *InMemoryStoreSuite) seal() (*models.Block, error) {
	return s.store.Seal(s.ctx, func(head models.BlockHead, pending []*models.Entry) (*models.Block, error) {
		b := &models.Block{
			Height:            head.Height + 1,
			PreviousBlockHash: head.BlockHash,
			Timestamp:         s.base,
			MerkleRoot:        integrity.MerkleRootOf(pending),
			EntryCount:        len(pending),
		}
		for _, e := range pending {
			b.EntryIDs = append(b.EntryIDs, e.ID)
		}
		b.BlockHash = integrity.BlockHash(b.Header())
		return b, nil
	})
}

func (s *InMemoryStoreSuite) TestAppend() {
	s.Run("links each entry to its predecessor", func() {
		first := s.appendEvent("u1", 0)
		second := s.appendEvent("u1", time.Second)

		s.Equal(int64(1), first.Sequence)
		s.Empty(first.PreviousHash)
		s.Equal(int64(2), second.Sequence)
		s.Equal(integrity.EntryHash(first), second.PreviousHash)

		head, _, err := s.store.Head(s.ctx)
		s.Require().NoError(err)
		s.Equal(integrity.EntryHash(second), head.EntryHash)
	})

	s.Run("rejects an entry built against a stale head", func() {
		_, err := s.store.Append(s.ctx, func(models.ChainHead) (*models.Entry, error) {
			return &models.Entry{ID: uuid.New(), Sequence: 1}, nil
		})
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("returns build errors untouched", func() {
		boom := errors.New("boom")
		_, err := s.store.Append(s.ctx, func(models.ChainHead) (*models.Entry, error) { return nil, boom })
		s.ErrorIs(err, boom)
	})
}

func (s *InMemoryStoreSuite) TestConcurrentAppendsNeverShareALink() {
	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.appendEvent("u1", 0)
		}()
	}
	wg.Wait()

	entries, err := s.store.PendingEntries(s.ctx, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, writers)

	seen := make(map[string]bool)
	prev := ""
	for i, e := range entries {
		s.Equal(int64(i+1), e.Sequence)
		s.Equal(prev, e.PreviousHash)
		s.False(seen[e.PreviousHash])
		seen[e.PreviousHash] = true
		prev = integrity.EntryHash(e)
	}
}

func (s *InMemoryStoreSuite) TestSeal() {
	s.Run("no pending entries leaves state unchanged", func() {
		_, err := s.seal()
		s.ErrorIs(err, models.ErrNoPendingEntries)

		blocks, err := s.store.ListBlocks(s.ctx, 0, 0)
		s.Require().NoError(err)
		s.Empty(blocks)
	})

	s.Run("stamps members and advances the block head", func() {
		for i := 0; i < 3; i++ {
			s.appendEvent("u1", time.Duration(i)*time.Second)
		}
		block, err := s.seal()
		s.Require().NoError(err)
		s.Equal(int64(1), block.Height)

		members, err := s.store.EntriesByBlock(s.ctx, 1)
		s.Require().NoError(err)
		s.Len(members, 3)
		for _, m := range members {
			s.Equal(block.BlockHash, m.BlockHash)
		}

		pending, err := s.store.PendingEntries(s.ctx, 0, 0)
		s.Require().NoError(err)
		s.Empty(pending)

		_, head, err := s.store.Head(s.ctx)
		s.Require().NoError(err)
		s.Equal(models.BlockHead{Height: 1, BlockHash: block.BlockHash}, head)
	})

	s.Run("rejects a block over an already sealed entry", func() {
		sealed, err := s.store.EntriesByBlock(s.ctx, 1)
		s.Require().NoError(err)
		s.appendEvent("u2", time.Minute)

		_, err = s.store.Seal(s.ctx, func(head models.BlockHead, pending []*models.Entry) (*models.Block, error) {
			return &models.Block{Height: head.Height + 1, EntryIDs: []uuid.UUID{pending[0].ID, sealed[0].ID}}, nil
		})
		s.ErrorIs(err, sentinel.ErrConflict)

		pending, err := s.store.PendingEntries(s.ctx, 0, 0)
		s.Require().NoError(err)
		s.Len(pending, 1)
	})
}

func (s *InMemoryStoreSuite) TestReads() {
	a := s.appendEvent("u1", 0)
	b := s.appendEvent("u2", time.Minute)
	c := s.appendEvent("u1", 2*time.Minute)

	s.Run("query returns newest first", func() {
		got, err := s.store.Query(s.ctx, models.QueryFilter{Limit: 10})
		s.Require().NoError(err)
		s.Equal([]uuid.UUID{c.ID, b.ID, a.ID}, ids(got))
	})

	s.Run("query filters and pages", func() {
		got, err := s.store.Query(s.ctx, models.QueryFilter{ActorUserID: "u1", Limit: 1, Offset: 1})
		s.Require().NoError(err)
		s.Equal([]uuid.UUID{a.ID}, ids(got))

		got, err = s.store.Query(s.ctx, models.QueryFilter{Limit: 10, Offset: 5})
		s.Require().NoError(err)
		s.Empty(got)
	})

	s.Run("entries between is half open and ascending", func() {
		got, err := s.store.EntriesBetween(s.ctx, s.base, s.base.Add(2*time.Minute))
		s.Require().NoError(err)
		s.Equal([]uuid.UUID{a.ID, b.ID}, ids(got))
	})

	s.Run("entries by sequence is inclusive and in chain order", func() {
		got, err := s.store.EntriesBySequence(s.ctx, 2, 3)
		s.Require().NoError(err)
		s.Equal([]uuid.UUID{b.ID, c.ID}, ids(got))

		got, err = s.store.EntriesBySequence(s.ctx, 4, 9)
		s.Require().NoError(err)
		s.Empty(got)
	})

	s.Run("get entry returns a copy", func() {
		got, err := s.store.GetEntry(s.ctx, a.ID)
		s.Require().NoError(err)
		got.Action = "changed"

		again, err := s.store.GetEntry(s.ctx, a.ID)
		s.Require().NoError(err)
		s.Equal("read", again.Action)
	})

	s.Run("unknown ids are not found", func() {
		_, err := s.store.GetEntry(s.ctx, uuid.New())
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.GetBlock(s.ctx, 9)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func ids(entries []*models.Entry) []uuid.UUID {
	out := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
