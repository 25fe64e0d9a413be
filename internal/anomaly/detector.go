package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ledger/internal/anomaly/metrics"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
)

var tracer = otel.Tracer("ledger.anomaly")

// Source reads entries for a time range, oldest first.
type Source interface {
	EntriesBetween(ctx context.Context, start, end time.Time) ([]*models.Entry, error)
}

// FindingPublisher hands findings to the alerting collaborator.
type FindingPublisher interface {
	PublishFinding(ctx context.Context, f Finding) error
}

// Detector evaluates the heuristics. It keeps no state between runs.
type Detector struct {
	source    Source
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher FindingPublisher
	clock     func() time.Time
}

type Option func(*Detector)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

func WithPublisher(p FindingPublisher) Option {
	return func(d *Detector) {
		d.publisher = p
	}
}

func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

func WithClock(clock func() time.Time) Option {
	return func(d *Detector) {
		d.clock = clock
	}
}

// New constructs a Detector with DefaultConfig unless WithConfig is given.
func New(source Source, opts ...Option) (*Detector, error) {
	if source == nil {
		return nil, errors.New("entry source is required")
	}
	d := &Detector{
		source: source,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Detect evaluates every enabled heuristic over entries in [start, end).
// Each group fires at most once per heuristic, reporting its densest window.
// Findings come back most severe first.
func (d *Detector) Detect(ctx context.Context, start, end time.Time) ([]Finding, error) {
	if !start.Before(end) {
		return nil, dErrors.New(dErrors.CodeValidation, "start must be before end")
	}
	began := time.Now()
	ctx, span := tracer.Start(ctx, "anomaly.detect",
		trace.WithAttributes(
			attribute.String("anomaly.window_start", start.UTC().Format(time.RFC3339)),
			attribute.String("anomaly.window_end", end.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()

	entries, err := d.source.EntriesBetween(ctx, start, end)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load entries for anomaly detection")
	}

	findings, err := d.evaluate(ctx, entries)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("anomaly.entries", len(entries)),
		attribute.Int("anomaly.findings", len(findings)),
	)
	if d.metrics != nil {
		d.metrics.ObserveDetect(began, len(entries))
		for _, f := range findings {
			d.metrics.IncFinding(string(f.Type), string(f.Severity))
		}
	}
	for _, f := range findings {
		d.logger.WarnContext(ctx, "anomaly detected",
			"type", f.Type,
			"severity", f.Severity,
			"affected_user_id", f.AffectedUserID,
			"source_ip", f.SourceIP,
			"observed_count", f.ObservedCount,
			"threshold", f.Threshold,
		)
	}
	d.publish(ctx, findings)
	return findings, nil
}

// ScanRecent runs Detect over the lookback period ending now.
func (d *Detector) ScanRecent(ctx context.Context, lookback time.Duration) ([]Finding, error) {
	if lookback <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "lookback must be positive")
	}
	now := d.clock()
	return d.Detect(ctx, now.Add(-lookback), now)
}

func (d *Detector) evaluate(ctx context.Context, entries []*models.Entry) ([]Finding, error) {
	heuristics := []heuristic{
		detectFailedLogins,
		detectBruteForce,
		detectCredentialStuffing,
		detectExcessiveDataAccess,
		detectDataExfiltration,
		detectOffHours,
		detectMultipleIPs,
		detectImpossibleTravel,
	}
	now := models.NormalizeTime(d.clock())
	results := make([][]Finding, len(heuristics))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range heuristics {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = h(entries, d.cfg, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("evaluate heuristics: %w", err)
	}

	var findings []Finding
	for _, r := range results {
		findings = append(findings, r...)
	}
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() > findings[j].Severity.Rank()
	})
	if findings == nil {
		findings = []Finding{}
	}
	return findings, nil
}

// publish never fails the detection run.
func (d *Detector) publish(ctx context.Context, findings []Finding) {
	if d.publisher == nil {
		return
	}
	for _, f := range findings {
		if err := d.publisher.PublishFinding(ctx, f); err != nil {
			if d.metrics != nil {
				d.metrics.IncPublishFailure()
			}
			d.logger.ErrorContext(ctx, "failed to publish anomaly finding",
				"type", f.Type,
				"affected_user_id", f.AffectedUserID,
				"error", err,
			)
		}
	}
}
