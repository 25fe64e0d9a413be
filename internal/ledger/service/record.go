package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
	"ledger/pkg/platform/audit/spill"
	"ledger/pkg/platform/sentinel"
	"ledger/pkg/requestcontext"
)

// errBuild marks failures inside the entry build callback. They are bugs or
// key problems, so they are neither retried nor spilled.
var errBuild = errors.New("build entry")

// Record validates the event, signs it and appends it to the chain.
//
// Validation failures return dErrors.CodeValidation and are never retried.
// So are values the store itself refuses (sentinel.ErrInvalidData); those
// are not spilled either. Other store failures are retried with backoff; once retries are exhausted the
// failure policy applies: fail-closed returns dErrors.CodeUnavailable,
// fail-open spills the event and returns (nil, nil).
func (s *Service) Record(ctx context.Context, event audit.Event) (*models.Entry, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ledger.record",
		trace.WithAttributes(attribute.String("audit.event_type", string(event.EventType))),
	)
	defer span.End()
	if s.metrics != nil {
		defer s.metrics.ObserveRecord(start)
	}

	if err := event.Validate(); err != nil {
		s.incFailure("validation")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entry, err := s.appendWithRetry(ctx, event)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return s.handleWriteFailure(ctx, event, err)
	}

	span.SetAttributes(
		attribute.String("audit.entry_id", entry.ID.String()),
		attribute.Int64("audit.sequence", entry.Sequence),
	)
	s.afterRecord(ctx, entry)
	return entry, nil
}

// appendWithRetry keeps the entry ID stable across attempts so a write that
// committed but reported failure cannot be duplicated.
func (s *Service) appendWithRetry(ctx context.Context, event audit.Event) (*models.Entry, error) {
	id := uuid.New()

	retries := s.cfg.MaxRetries
	if s.breaker != nil && s.breaker.IsOpen() {
		retries = 0
	}
	if retries < 0 {
		retries = 0
	}
	expo := backoff.NewExponentialBackOff()
	if s.cfg.InitialInterval > 0 {
		expo.InitialInterval = s.cfg.InitialInterval
	}
	expo.MaxElapsedTime = s.cfg.MaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)

	entry, err := backoff.RetryNotifyWithData(func() (*models.Entry, error) {
		e, err := s.store.Append(ctx, func(head models.ChainHead) (*models.Entry, error) {
			return s.buildEntry(id, event, head)
		})
		if err != nil {
			if errors.Is(err, errBuild) || errors.Is(err, sentinel.ErrInvalidData) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return e, nil
	}, policy, func(err error, wait time.Duration) {
		if s.metrics != nil {
			s.metrics.IncRecordRetry()
		}
		s.logger.WarnContext(ctx, "audit write failed, retrying",
			"event_type", event.EventType,
			"retry_in", wait,
			"error", err,
		)
	})

	s.trackStoreHealth(ctx, err)
	return entry, err
}

// buildEntry runs under the store's chain-head lock, so the timestamp and
// sequence it assigns follow append order.
func (s *Service) buildEntry(id uuid.UUID, event audit.Event, head models.ChainHead) (*models.Entry, error) {
	entry := models.NewEntry(id, s.now(), event)
	entry.Sequence = head.Sequence + 1
	entry.PreviousHash = head.EntryHash

	sig, err := s.signer.Sign(entry)
	if err != nil {
		return nil, errors.Join(errBuild, err)
	}
	entry.Signature = sig
	return entry, nil
}

func (s *Service) trackStoreHealth(ctx context.Context, err error) {
	if s.breaker == nil || errors.Is(err, errBuild) {
		return
	}
	if errors.Is(err, sentinel.ErrInvalidData) {
		err = nil
	}
	if err == nil {
		if _, change := s.breaker.RecordSuccess(); change.Closed {
			s.logger.InfoContext(ctx, "ledger store circuit closed")
			s.setCircuitGauge(false)
		}
		return
	}
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.logger.ErrorContext(ctx, "ledger store circuit opened, skipping retries", "error", err)
		s.setCircuitGauge(true)
	}
}

func (s *Service) setCircuitGauge(open bool) {
	if s.metrics != nil {
		s.metrics.SetCircuitOpen(open)
	}
}

func (s *Service) handleWriteFailure(ctx context.Context, event audit.Event, err error) (*models.Entry, error) {
	if errors.Is(err, errBuild) {
		s.incFailure("build")
		s.logger.ErrorContext(ctx, "failed to build audit entry", "event_type", event.EventType, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign audit entry")
	}
	if errors.Is(err, sentinel.ErrInvalidData) {
		s.incFailure("invalid_data")
		s.logger.WarnContext(ctx, "audit event rejected by store", "event_type", event.EventType, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "audit event rejected by store")
	}

	if s.cfg.FailurePolicy == FailOpen && s.spill != nil {
		dropped := s.spill.Enqueue(spill.Item{
			Event:     event,
			AttemptAt: s.now(),
			RequestID: requestcontext.RequestID(ctx),
		})
		if s.metrics != nil {
			s.metrics.IncSpilled(dropped)
			s.metrics.SetSpillDepth(s.spill.Len())
		}
		s.logger.ErrorContext(ctx, "audit write failed, event spilled",
			"event_type", event.EventType,
			"spill_depth", s.spill.Len(),
			"error", err,
		)
		if dropped {
			s.logger.ErrorContext(ctx, "spill buffer full, oldest audit event dropped",
				"dropped_total", s.spill.Dropped(),
			)
		}
		return nil, nil
	}

	s.incFailure("persistence")
	s.logger.ErrorContext(ctx, "audit write failed",
		"event_type", event.EventType,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit ledger unavailable")
}

func (s *Service) afterRecord(ctx context.Context, entry *models.Entry) {
	if s.metrics != nil {
		s.metrics.IncEntryRecorded(string(entry.Category()))
	}
	s.logger.DebugContext(ctx, "audit entry recorded",
		"entry_id", entry.ID,
		"sequence", entry.Sequence,
		"event_type", entry.EventType,
	)

	if s.notifier == nil || entry.Category() != audit.CategorySecurity {
		return
	}
	notifyCtx := context.WithoutCancel(ctx)
	snapshot := entry.Clone()
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(notifyCtx, s.notifyTimeout())
		defer cancel()
		if err := s.notifier.NotifyEntry(ctx, snapshot); err != nil {
			if s.metrics != nil {
				s.metrics.IncNotifyFailure()
			}
			s.logger.WarnContext(ctx, "security notification failed",
				"entry_id", snapshot.ID,
				"event_type", snapshot.EventType,
				"error", err,
			)
		}
	}()
}

func (s *Service) notifyTimeout() time.Duration {
	if s.cfg.NotifyTimeout > 0 {
		return s.cfg.NotifyTimeout
	}
	return 5 * time.Second
}

func (s *Service) incFailure(reason string) {
	if s.metrics != nil {
		s.metrics.IncRecordFailure(reason)
	}
}

// DrainSpill re-records up to batch spilled events. Events the store refuses
// outright are discarded. On any other failure the remaining events go back
// into the buffer and the store error is returned.
func (s *Service) DrainSpill(ctx context.Context, batch int) (int, error) {
	if s.spill == nil {
		return 0, nil
	}
	items := s.spill.DequeueBatch(batch)
	drained := 0
	for i, item := range items {
		itemCtx := ctx
		if item.RequestID != "" {
			itemCtx = requestcontext.WithRequestID(ctx, item.RequestID)
		}
		entry, err := s.appendWithRetry(itemCtx, item.Event)
		if errors.Is(err, sentinel.ErrInvalidData) || errors.Is(err, errBuild) {
			s.incFailure("spill_discarded")
			s.logger.ErrorContext(itemCtx, "spilled audit event can never be recorded, discarding",
				"event_type", item.Event.EventType,
				"redeliveries", item.Redeliveries,
				"error", err,
			)
			continue
		}
		if err != nil {
			for _, rest := range items[i:] {
				rest.Redeliveries++
				s.spill.Enqueue(rest)
			}
			s.setSpillDepth()
			return drained, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit ledger unavailable")
		}
		drained++
		if s.metrics != nil {
			s.metrics.IncSpillDrained()
		}
		s.afterRecord(itemCtx, entry)
	}
	s.setSpillDepth()
	return drained, nil
}

func (s *Service) setSpillDepth() {
	if s.metrics != nil && s.spill != nil {
		s.metrics.SetSpillDepth(s.spill.Len())
	}
}
