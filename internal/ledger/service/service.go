// Package service is the ledger's application layer: it records events into
// the hash chain, seals blocks, verifies the chain and answers queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/metrics"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/store"
	"ledger/pkg/platform/audit/spill"
	"ledger/pkg/platform/circuit"
)

var tracer = otel.Tracer("ledger.service")

// Store is the ledger's persistence port. Append and Seal must serialize
// their callbacks against each other.
type Store interface {
	Append(ctx context.Context, build store.AppendFunc) (*models.Entry, error)
	Seal(ctx context.Context, build store.SealFunc) (*models.Block, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*models.Entry, error)
	GetBlock(ctx context.Context, height int64) (*models.Block, error)
	ListBlocks(ctx context.Context, afterHeight int64, limit int) ([]*models.Block, error)
	EntriesByBlock(ctx context.Context, height int64) ([]*models.Entry, error)
	PendingEntries(ctx context.Context, afterSequence int64, limit int) ([]*models.Entry, error)
	Query(ctx context.Context, filter models.QueryFilter) ([]*models.Entry, error)
	EntriesBetween(ctx context.Context, start, end time.Time) ([]*models.Entry, error)
	EntriesBySequence(ctx context.Context, from, to int64) ([]*models.Entry, error)
	Head(ctx context.Context) (models.ChainHead, models.BlockHead, error)
}

// Notifier receives security-category entries after they are recorded.
type Notifier interface {
	NotifyEntry(ctx context.Context, entry *models.Entry) error
}

// FailurePolicy decides what Record does once write retries are exhausted.
type FailurePolicy string

const (
	// FailClosed surfaces the write failure; the caller aborts its action.
	FailClosed FailurePolicy = "fail_closed"
	// FailOpen parks the event for the drain worker and reports success.
	FailOpen FailurePolicy = "fail_open"
)

// ParseFailurePolicy accepts "fail_closed" or "fail_open" (case-insensitive).
// Empty input yields FailClosed.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// Config tunes the write path.
type Config struct {
	FailurePolicy   FailurePolicy
	MaxRetries      int
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	NotifyTimeout   time.Duration
}

// DefaultConfig returns fail-closed writes with three retries inside two
// seconds.
func DefaultConfig() Config {
	return Config{
		FailurePolicy:   FailClosed,
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
		NotifyTimeout:   5 * time.Second,
	}
}

// Service records, seals, verifies and queries the ledger.
type Service struct {
	store    Store
	signer   *integrity.Signer
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	spill    *spill.RingBuffer
	breaker  *circuit.Breaker
	clock    func() time.Time

	notifyWG sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithSpill sets the buffer used by the fail-open policy.
func WithSpill(buf *spill.RingBuffer) Option {
	return func(s *Service) {
		s.spill = buf
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithClock overrides the time source for entry and block timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// New constructs a Service.
func New(st Store, signer *integrity.Signer, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("ledger store is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	s := &Service{
		store:   st,
		signer:  signer,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		breaker: circuit.New("ledger-store"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.FailurePolicy == FailOpen && s.spill == nil {
		s.spill = spill.NewRingBuffer(0)
	}
	return s, nil
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.notifyWG.Wait()
}

// SpillDepth reports how many events wait for the drain worker.
func (s *Service) SpillDepth() int {
	if s.spill == nil {
		return 0
	}
	return s.spill.Len()
}

func (s *Service) now() time.Time {
	return models.NormalizeTime(s.clock())
}
