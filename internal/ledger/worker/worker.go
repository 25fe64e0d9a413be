// Package worker runs the ledger's periodic jobs: sealing pending entries,
// scanning recent activity for anomalies and draining the spill buffer.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/lock"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
)

const (
	sealLockName = "seal"
	scanLockName = "scan"
)

// Ledger is the part of the ledger service the jobs drive.
type Ledger interface {
	SealBlock(ctx context.Context) (*models.Block, error)
	DrainSpill(ctx context.Context, batch int) (int, error)
	Record(ctx context.Context, event audit.Event) (*models.Entry, error)
	Query(ctx context.Context, filter models.QueryFilter) ([]*models.Entry, error)
}

// Scanner runs the anomaly heuristics over a lookback period.
type Scanner interface {
	ScanRecent(ctx context.Context, lookback time.Duration) ([]anomaly.Finding, error)
}

// Config sets the job cadence. A zero interval disables that job.
type Config struct {
	SealInterval  time.Duration
	SealLockTTL   time.Duration
	ScanInterval  time.Duration
	ScanLockTTL   time.Duration
	ScanLookback  time.Duration
	DrainInterval time.Duration
	DrainBatch    int

	// RecordFindings writes every finding back into the ledger.
	RecordFindings bool
}

// Worker owns the periodic loops.
type Worker struct {
	ledger  Ledger
	scanner Scanner
	locker  lock.Locker
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithScanner enables the anomaly scan job.
func WithScanner(s Scanner) Option {
	return func(w *Worker) {
		w.scanner = s
	}
}

// WithLocker sets the cross-instance lock for the seal and scan jobs.
// Without one an in-process lock is used.
func WithLocker(l lock.Locker) Option {
	return func(w *Worker) {
		w.locker = l
	}
}

func WithClock(clock func() time.Time) Option {
	return func(w *Worker) {
		w.clock = clock
	}
}

func New(ledger Ledger, cfg Config, opts ...Option) (*Worker, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.SealLockTTL <= 0 {
		cfg.SealLockTTL = 30 * time.Second
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 100
	}
	if cfg.ScanLockTTL <= 0 {
		cfg.ScanLockTTL = cfg.SealLockTTL
	}
	if cfg.ScanLookback <= 0 {
		cfg.ScanLookback = time.Hour
	}
	w := &Worker{
		ledger: ledger,
		cfg:    cfg,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.locker == nil {
		w.locker = lock.NewLocalLocker()
	}
	return w, nil
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	w.every(g, ctx, "seal", w.cfg.SealInterval, w.SealOnce)
	if w.scanner != nil {
		w.every(g, ctx, "scan", w.cfg.ScanInterval, w.ScanOnce)
	}
	w.every(g, ctx, "drain", w.cfg.DrainInterval, w.DrainOnce)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) every(g *errgroup.Group, ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					w.logger.ErrorContext(ctx, "ledger job failed",
						"job", job,
						"error", err,
					)
				}
			}
		}
	})
}

// SealOnce seals pending entries if this instance wins the seal lock. A
// conflicting seal is retried once from scratch.
func (w *Worker) SealOnce(ctx context.Context) error {
	lease, err := w.acquire(ctx, sealLockName, w.cfg.SealLockTTL)
	if lease == nil {
		return err
	}
	defer w.release(ctx, sealLockName, lease)

	block, err := w.ledger.SealBlock(ctx)
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		w.logger.WarnContext(ctx, "seal conflict, retrying", "error", err)
		block, err = w.ledger.SealBlock(ctx)
	}
	switch {
	case errors.Is(err, models.ErrNoPendingEntries):
		return nil
	case err != nil:
		return err
	}
	w.logger.InfoContext(ctx, "sealed block",
		"block_height", block.Height,
		"entry_count", block.EntryCount,
	)
	return nil
}

// acquire returns a nil lease, and logs, when another instance holds name.
func (w *Worker) acquire(ctx context.Context, name string, ttl time.Duration) (lock.Lease, error) {
	lease, err := w.locker.TryAcquire(ctx, name, ttl)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		w.logger.DebugContext(ctx, "job lock held elsewhere, skipping", "lock", name)
	}
	return lease, nil
}

func (w *Worker) release(ctx context.Context, name string, lease lock.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		w.logger.WarnContext(ctx, "failed to release job lock", "lock", name, "error", err)
	}
}

// ScanOnce runs the detector over the configured lookback if this instance
// wins the scan lock. With RecordFindings set, a finding is written only when
// its window starts after the last window recorded for the same type, user
// and source IP. That history is read back from the ledger, so it holds
// across instances and restarts.
func (w *Worker) ScanOnce(ctx context.Context) error {
	if w.scanner == nil {
		return nil
	}
	lease, err := w.acquire(ctx, scanLockName, w.cfg.ScanLockTTL)
	if lease == nil {
		return err
	}
	defer w.release(ctx, scanLockName, lease)

	findings, err := w.scanner.ScanRecent(ctx, w.cfg.ScanLookback)
	if err != nil {
		return err
	}
	if !w.cfg.RecordFindings || len(findings) == 0 {
		return nil
	}
	recordedUntil, err := w.recordedWindows(ctx)
	if err != nil {
		return err
	}
	for _, f := range findings {
		key := subjectKey(f.Type, f.AffectedUserID, f.SourceIP)
		if f.WindowStart.Before(recordedUntil[key]) {
			continue
		}
		if _, err := anomaly.RecordFinding(ctx, w.ledger, f); err != nil {
			w.logger.ErrorContext(ctx, "failed to record anomaly finding",
				"type", f.Type,
				"affected_user_id", f.AffectedUserID,
				"error", err,
			)
			continue
		}
		recordedUntil[key] = f.WindowEnd
	}
	return nil
}

// recordedWindows maps each finding subject to the latest window end among
// anomaly entries recorded within two lookbacks.
func (w *Worker) recordedWindows(ctx context.Context) (map[string]time.Time, error) {
	since := w.clock().Add(-2 * w.cfg.ScanLookback)
	filter := models.QueryFilter{
		Start:      &since,
		EventTypes: []audit.EventType{audit.EventAnomalyDetected},
		Limit:      models.MaxQueryLimit,
	}
	out := make(map[string]time.Time)
	for {
		page, err := w.ledger.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			end, err := time.Parse(time.RFC3339Nano, e.Metadata.Get("window_end"))
			if err != nil {
				continue
			}
			key := subjectKey(anomaly.Type(e.Metadata.Get("anomaly_type")), e.ActorUserID, e.IPAddress)
			if end.After(out[key]) {
				out[key] = end
			}
		}
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.Offset += len(page)
	}
}

func subjectKey(t anomaly.Type, userID, ip string) string {
	return string(t) + "|" + userID + "|" + ip
}

// DrainOnce re-records one batch of spilled events.
func (w *Worker) DrainOnce(ctx context.Context) error {
	n, err := w.ledger.DrainSpill(ctx, w.cfg.DrainBatch)
	if n > 0 {
		w.logger.InfoContext(ctx, "drained spilled audit events", "count", n)
	}
	return err
}
