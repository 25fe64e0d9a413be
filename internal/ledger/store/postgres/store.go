// Package postgres persists the ledger in PostgreSQL. The audit_chain_head row
// is the ledger's lock: every append and seal selects it FOR UPDATE and
// advances it in the same transaction.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/store"
	audit "ledger/pkg/platform/audit"
	"ledger/pkg/platform/sentinel"
	txcontext "ledger/pkg/platform/tx"
)

//go:embed schema.sql
var Schema string

const (
	uniqueViolation = "23505"
	// SQLSTATE class 22: bad encoding, NUL in text, out-of-range values.
	dataExceptionClass = "22"
)

const entryColumns = `id, sequence, timestamp, event_type, action, result,
	actor_user_id, tenant_id, resource_type, resource_id, ip_address, user_agent,
	metadata, signature, key_version, previous_hash, block_hash, block_height`

const blockColumns = `height, block_hash, previous_block_hash, timestamp, merkle_root,
	entry_count, first_sequence, last_sequence`

// Store implements the ledger store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL ledger store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in the caller's transaction when the context carries one,
// otherwise in a new transaction committed on success.
func (s *Store) inTx(ctx context.Context, op string, fn func(q queryer) error) error {
	var fnErr error
	err := txcontext.Within(ctx, s.db, func(tx *sql.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("%s: %w", op, wrapUnavailable(err))
	}
	return err
}

func (s *Store) reader(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

type heads struct {
	chain models.ChainHead
	block models.BlockHead
}

func lockHeads(ctx context.Context, q queryer) (heads, error) {
	var h heads
	err := q.QueryRowContext(ctx, `
		SELECT sequence, entry_hash, block_height, block_hash
		FROM audit_chain_head
		WHERE id = 1
		FOR UPDATE
	`).Scan(&h.chain.Sequence, &h.chain.EntryHash, &h.block.Height, &h.block.BlockHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, fmt.Errorf("chain head row missing: %w", sentinel.ErrInvalidState)
		}
		return h, fmt.Errorf("lock chain head: %w", wrapUnavailable(err))
	}
	return h, nil
}

// Append links the entry built from the locked chain head, inserts it and
// advances the head in one transaction.
func (s *Store) Append(ctx context.Context, build store.AppendFunc) (*models.Entry, error) {
	var out *models.Entry
	err := s.inTx(ctx, "append entry", func(q queryer) error {
		h, err := lockHeads(ctx, q)
		if err != nil {
			return err
		}
		entry, err := build(h.chain)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, q, entry); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `
			UPDATE audit_chain_head SET sequence = $1, entry_hash = $2
			WHERE id = 1 AND sequence = $3
		`, entry.Sequence, integrity.EntryHash(entry), h.chain.Sequence)
		if err != nil {
			return fmt.Errorf("advance chain head: %w", wrapUnavailable(err))
		}
		if err := expectRows(res, 1, "advance chain head"); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertEntry(ctx context.Context, q queryer, e *models.Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		e.ID, e.Sequence, e.Timestamp, string(e.EventType), e.Action, string(e.Result),
		e.ActorUserID, e.TenantID, e.ResourceType, e.ResourceID, e.IPAddress, e.UserAgent,
		meta, e.Signature, e.KeyVersion, e.PreviousHash, e.BlockHash, e.BlockHeight,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert entry %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert entry: %w", wrapUnavailable(err))
	}
	return nil
}

// Seal builds a block over all pending entries under the head lock. The
// member update must touch exactly the block's entries or the whole seal is
// rolled back with sentinel.ErrConflict.
func (s *Store) Seal(ctx context.Context, build store.SealFunc) (*models.Block, error) {
	var out *models.Block
	err := s.inTx(ctx, "seal block", func(q queryer) error {
		h, err := lockHeads(ctx, q)
		if err != nil {
			return err
		}
		rows, err := q.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM audit_entries
			WHERE block_height = 0
			ORDER BY sequence
			FOR UPDATE
		`)
		if err != nil {
			return fmt.Errorf("select pending entries: %w", wrapUnavailable(err))
		}
		pending, err := scanEntries(rows)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return models.ErrNoPendingEntries
		}

		block, err := build(h.block, pending)
		if err != nil {
			return err
		}

		ids := make([]string, len(block.EntryIDs))
		for i, id := range block.EntryIDs {
			ids[i] = id.String()
		}
		res, err := q.ExecContext(ctx, `
			UPDATE audit_entries SET block_hash = $1, block_height = $2
			WHERE id = ANY($3::uuid[]) AND block_height = 0
		`, block.BlockHash, block.Height, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("stamp block members: %w", wrapUnavailable(err))
		}
		if err := expectRows(res, int64(len(ids)), "stamp block members"); err != nil {
			return err
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO audit_blocks (`+blockColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, block.Height, block.BlockHash, block.PreviousBlockHash, block.Timestamp, block.MerkleRoot,
			block.EntryCount, block.FirstSequence, block.LastSequence)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert block %d: %w", block.Height, sentinel.ErrConflict)
			}
			return fmt.Errorf("insert block: %w", wrapUnavailable(err))
		}

		res, err = q.ExecContext(ctx, `
			UPDATE audit_chain_head SET block_height = $1, block_hash = $2
			WHERE id = 1 AND block_height = $3
		`, block.Height, block.BlockHash, h.block.Height)
		if err != nil {
			return fmt.Errorf("advance block head: %w", wrapUnavailable(err))
		}
		if err := expectRows(res, 1, "advance block head"); err != nil {
			return err
		}
		out = block
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*models.Entry, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", wrapUnavailable(err))
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return entries[0], nil
}

func (s *Store) GetBlock(ctx context.Context, height int64) (*models.Block, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `SELECT `+blockColumns+` FROM audit_blocks WHERE height = $1`, height)
	if err != nil {
		return nil, fmt.Errorf("get block: %w", wrapUnavailable(err))
	}
	blocks, err := scanBlocks(rows)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, sentinel.ErrNotFound
	}
	if err := s.attachEntryIDs(ctx, blocks[0]); err != nil {
		return nil, err
	}
	return blocks[0], nil
}

// ListBlocks returns up to limit blocks above afterHeight in height order.
// EntryIDs are not loaded.
func (s *Store) ListBlocks(ctx context.Context, afterHeight int64, limit int) ([]*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM audit_blocks WHERE height > $1 ORDER BY height`
	args := []any{afterHeight}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", wrapUnavailable(err))
	}
	return scanBlocks(rows)
}

func (s *Store) attachEntryIDs(ctx context.Context, b *models.Block) error {
	rows, err := s.reader(ctx).QueryContext(ctx,
		`SELECT id FROM audit_entries WHERE block_height = $1 ORDER BY sequence`, b.Height)
	if err != nil {
		return fmt.Errorf("list block members: %w", wrapUnavailable(err))
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan block member: %w", err)
		}
		b.EntryIDs = append(b.EntryIDs, id)
	}
	return rows.Err()
}

// EntriesByBlock returns a block's members in chain order.
func (s *Store) EntriesByBlock(ctx context.Context, height int64) ([]*models.Entry, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT `+entryColumns+` FROM audit_entries
		WHERE block_height = $1
		ORDER BY sequence
	`, height)
	if err != nil {
		return nil, fmt.Errorf("entries by block: %w", wrapUnavailable(err))
	}
	return scanEntries(rows)
}

// PendingEntries pages through unsealed entries in chain order.
func (s *Store) PendingEntries(ctx context.Context, afterSequence int64, limit int) ([]*models.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries
		WHERE block_height = 0 AND sequence > $1
		ORDER BY sequence`
	args := []any{afterSequence}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending entries: %w", wrapUnavailable(err))
	}
	return scanEntries(rows)
}

// EntriesBySequence returns entries with sequences in [from, to], in chain
// order.
func (s *Store) EntriesBySequence(ctx context.Context, from, to int64) ([]*models.Entry, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT `+entryColumns+` FROM audit_entries
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("entries by sequence: %w", wrapUnavailable(err))
	}
	return scanEntries(rows)
}

// Query returns matching entries newest first.
func (s *Store) Query(ctx context.Context, filter models.QueryFilter) ([]*models.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Start != nil {
		add("timestamp >= $%d", *filter.Start)
	}
	if filter.End != nil {
		add("timestamp < $%d", *filter.End)
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.ActorUserID != "" {
		add("actor_user_id = $%d", filter.ActorUserID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d::text[])", pq.Array(types))
	}
	if filter.MinHeight != nil {
		add("block_height >= $%d", *filter.MinHeight)
	}
	if filter.MaxHeight != nil {
		add("block_height <= $%d", *filter.MaxHeight)
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY timestamp DESC, sequence DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", wrapUnavailable(err))
	}
	return scanEntries(rows)
}

// EntriesBetween returns entries with timestamps in [start, end), oldest first.
func (s *Store) EntriesBetween(ctx context.Context, start, end time.Time) ([]*models.Entry, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT `+entryColumns+` FROM audit_entries
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp, sequence
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("entries between: %w", wrapUnavailable(err))
	}
	return scanEntries(rows)
}

// Head returns the persisted chain and block heads.
func (s *Store) Head(ctx context.Context) (models.ChainHead, models.BlockHead, error) {
	var h heads
	err := s.reader(ctx).QueryRowContext(ctx, `
		SELECT sequence, entry_hash, block_height, block_hash FROM audit_chain_head WHERE id = 1
	`).Scan(&h.chain.Sequence, &h.chain.EntryHash, &h.block.Height, &h.block.BlockHash)
	if err != nil {
		return h.chain, h.block, fmt.Errorf("read chain head: %w", wrapUnavailable(err))
	}
	return h.chain, h.block, nil
}

func scanEntries(rows *sql.Rows) ([]*models.Entry, error) {
	defer rows.Close()
	var out []*models.Entry
	for rows.Next() {
		var (
			e         models.Entry
			eventType string
			result    string
			meta      []byte
		)
		err := rows.Scan(
			&e.ID, &e.Sequence, &e.Timestamp, &eventType, &e.Action, &result,
			&e.ActorUserID, &e.TenantID, &e.ResourceType, &e.ResourceID, &e.IPAddress, &e.UserAgent,
			&meta, &e.Signature, &e.KeyVersion, &e.PreviousHash, &e.BlockHash, &e.BlockHeight,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.EventType = audit.EventType(eventType)
		e.Result = audit.Result(result)
		e.Timestamp = models.NormalizeTime(e.Timestamp)
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", wrapUnavailable(err))
	}
	return out, nil
}

func scanBlocks(rows *sql.Rows) ([]*models.Block, error) {
	defer rows.Close()
	var out []*models.Block
	for rows.Next() {
		var b models.Block
		err := rows.Scan(&b.Height, &b.BlockHash, &b.PreviousBlockHash, &b.Timestamp, &b.MerkleRoot,
			&b.EntryCount, &b.FirstSequence, &b.LastSequence)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Timestamp = models.NormalizeTime(b.Timestamp)
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", wrapUnavailable(err))
	}
	return out, nil
}

func encodeMetadata(m audit.Metadata) ([]byte, error) {
	if m == nil {
		m = audit.Metadata{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(raw []byte) (audit.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m audit.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func expectRows(res sql.Result, want int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n != want {
		return fmt.Errorf("%s: affected %d rows, want %d: %w", op, n, want, sentinel.ErrConflict)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isDataException(pgErr *pgconn.PgError) bool {
	return strings.HasPrefix(pgErr.Code, dataExceptionClass)
}

// wrapUnavailable marks connection-level failures so the service can retry
// them. Data exceptions are marked permanent. Other server errors and context
// cancellation pass through unchanged.
func wrapUnavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if isDataException(pgErr) {
			return fmt.Errorf("%w: %w", sentinel.ErrInvalidData, err)
		}
		return err
	}
	return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
}
