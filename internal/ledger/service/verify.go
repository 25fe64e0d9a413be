package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
)

const verifyPageSize = 500

// chainWalk carries the running state of one verification pass.
type chainWalk struct {
	report        *models.VerificationReport
	expectedPrev  string
	lastBlockHash string
	lastHeight    int64
	badEntries    map[uuid.UUID]bool
	visited       []int64
}

func (w *chainWalk) flagEntry(id uuid.UUID) {
	if w.badEntries[id] {
		return
	}
	w.badEntries[id] = true
	w.report.InvalidEntries = append(w.report.InvalidEntries, id)
}

// VerifyChain replays the whole ledger: every block in height order, then
// the unsealed tail, then any sequence up to the chain head that neither
// reached. It never stops at the first violation. Violations are reported,
// not returned; only read failures produce an error.
func (s *Service) VerifyChain(ctx context.Context) (*models.VerificationReport, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ledger.verify")
	defer span.End()

	w := &chainWalk{
		report: &models.VerificationReport{
			InvalidBlocks:  []int64{},
			InvalidEntries: []uuid.UUID{},
		},
		badEntries: make(map[uuid.UUID]bool),
	}

	// Entries appended after this read land in the pending tail.
	head, _, err := s.store.Head(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read chain head")
	}

	for {
		blocks, err := s.store.ListBlocks(ctx, w.lastHeight, verifyPageSize)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read blocks")
		}
		for _, b := range blocks {
			if err := s.verifyBlock(ctx, w, b); err != nil {
				return nil, err
			}
		}
		if len(blocks) < verifyPageSize {
			break
		}
	}

	var afterSeq int64
	for {
		pending, err := s.store.PendingEntries(ctx, afterSeq, verifyPageSize)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read pending entries")
		}
		for _, e := range pending {
			if !s.verifyEntry(ctx, w, e) || e.BlockHash != "" {
				w.flagEntry(e.ID)
			}
			afterSeq = e.Sequence
		}
		if len(pending) < verifyPageSize {
			break
		}
	}

	if err := s.checkUnreached(ctx, w, head.Sequence); err != nil {
		return nil, err
	}

	r := w.report
	r.IsValid = len(r.InvalidBlocks) == 0 && len(r.InvalidEntries) == 0 && len(r.MissingSequences) == 0
	r.VerifiedAt = s.now()
	if r.IsValid {
		r.Message = fmt.Sprintf("chain intact: %d blocks, %d entries verified", r.BlocksChecked, r.EntriesChecked)
	} else {
		r.Message = fmt.Sprintf("integrity violations: %d invalid blocks, %d invalid entries, %d missing sequences",
			len(r.InvalidBlocks), len(r.InvalidEntries), len(r.MissingSequences))
		s.logger.ErrorContext(ctx, "audit chain verification failed",
			"invalid_blocks", r.InvalidBlocks,
			"invalid_entries", len(r.InvalidEntries),
			"missing_sequences", len(r.MissingSequences),
		)
	}

	span.SetAttributes(
		attribute.Bool("ledger.chain_valid", r.IsValid),
		attribute.Int("ledger.entries_checked", r.EntriesChecked),
	)
	if s.metrics != nil {
		s.metrics.ObserveVerify(start, r.IsValid)
	}
	return r, nil
}

func (s *Service) verifyBlock(ctx context.Context, w *chainWalk, b *models.Block) error {
	members, err := s.store.EntriesByBlock(ctx, b.Height)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("failed to read block %d", b.Height))
	}

	ok := b.Height == w.lastHeight+1 &&
		integrity.Equal(b.PreviousBlockHash, w.lastBlockHash) &&
		integrity.Equal(integrity.BlockHash(b.Header()), b.BlockHash) &&
		integrity.Equal(integrity.MerkleRootOf(members), b.MerkleRoot) &&
		len(members) == b.EntryCount

	for _, e := range members {
		if !s.verifyEntry(ctx, w, e) || e.BlockHash != b.BlockHash {
			w.flagEntry(e.ID)
		}
	}

	if !ok {
		w.report.InvalidBlocks = append(w.report.InvalidBlocks, b.Height)
	}
	w.report.BlocksChecked++
	w.lastHeight = b.Height
	w.lastBlockHash = b.BlockHash
	return nil
}

// checkUnreached finds sequences in [1, headSeq] the walk never visited. An
// entry moved to a block that does not exist is flagged; a sequence with no
// entry at all is reported missing.
func (s *Service) checkUnreached(ctx context.Context, w *chainWalk, headSeq int64) error {
	slices.Sort(w.visited)
	next := int64(1)
	for _, seq := range append(w.visited, headSeq+1) {
		if seq > headSeq+1 {
			seq = headSeq + 1
		}
		if seq > next {
			if err := s.checkGap(ctx, w, next, seq-1); err != nil {
				return err
			}
		}
		if seq >= next {
			next = seq + 1
		}
	}
	return nil
}

func (s *Service) checkGap(ctx context.Context, w *chainWalk, from, to int64) error {
	found, err := s.store.EntriesBySequence(ctx, from, to)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("failed to read sequences %d-%d", from, to))
	}
	present := make(map[int64]bool, len(found))
	for _, e := range found {
		w.report.EntriesChecked++
		present[e.Sequence] = true
		w.flagEntry(e.ID)
	}
	for seq := from; seq <= to; seq++ {
		if !present[seq] {
			w.report.MissingSequences = append(w.report.MissingSequences, seq)
		}
	}
	return nil
}

// verifyEntry checks the text encoding, the signature and the link to the
// previous entry, then advances the running hash to this entry as stored.
func (s *Service) verifyEntry(ctx context.Context, w *chainWalk, e *models.Entry) bool {
	w.report.EntriesChecked++
	w.visited = append(w.visited, e.Sequence)
	textOK := e.HasValidText()

	sigOK, err := s.signer.Verify(e)
	if err != nil {
		s.logger.ErrorContext(ctx, "signature check failed", "entry_id", e.ID, "error", err)
		sigOK = false
	}
	linkOK := integrity.Equal(e.PreviousHash, w.expectedPrev)
	w.expectedPrev = integrity.EntryHash(e)
	return textOK && sigOK && linkOK
}

// VerifyAndRecord verifies the chain and, if it is broken, records an
// audit_chain_integrity_violation entry describing the damage.
func (s *Service) VerifyAndRecord(ctx context.Context) (*models.VerificationReport, error) {
	report, err := s.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	if report.IsValid {
		return report, nil
	}

	heights := make([]string, len(report.InvalidBlocks))
	for i, h := range report.InvalidBlocks {
		heights[i] = strconv.FormatInt(h, 10)
	}
	_, err = s.Record(ctx, audit.Event{
		EventType:    audit.EventAuditChainIntegrityViolation,
		Action:       "verify_chain",
		Result:       audit.ResultFailure,
		ResourceType: "audit_chain",
		Metadata: audit.Metadata{
			"invalid_blocks":          strings.Join(heights, ","),
			"invalid_entries_count":   strconv.Itoa(len(report.InvalidEntries)),
			"missing_sequences_count": strconv.Itoa(len(report.MissingSequences)),
			"entries_checked":         strconv.Itoa(report.EntriesChecked),
		},
	})
	if err != nil {
		return report, err
	}
	return report, nil
}
