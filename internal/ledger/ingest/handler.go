package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ledger/internal/ledger/metrics"
	"ledger/internal/ledger/models"
	"ledger/internal/platform/kafka"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
	"ledger/pkg/requestcontext"
)

// Message headers read by the handler.
const (
	HeaderCaller    = "caller"
	HeaderRequestID = "request_id"
)

// Ingest outcomes reported to metrics.
const (
	OutcomeRecorded  = "recorded"
	OutcomeSpilled   = "spilled"
	OutcomeMalformed = "malformed"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Recorder is the ledger write path.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) (*models.Entry, error)
}

// EventHandler decodes the inbound event JSON and records it. Malformed and
// invalid messages are logged and committed; write failures are returned so
// the consumer redelivers them.
type EventHandler struct {
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewEventHandler(recorder Recorder, logger *slog.Logger, m *metrics.Metrics) *EventHandler {
	return &EventHandler{
		recorder: recorder,
		logger:   logger,
		metrics:  m,
	}
}

func (h *EventHandler) Handle(ctx context.Context, msg *kafka.Message) error {
	if caller := msg.Headers[HeaderCaller]; caller != "" {
		ctx = requestcontext.WithCaller(ctx, caller)
	}
	if rid := msg.Headers[HeaderRequestID]; rid != "" {
		ctx = requestcontext.WithRequestID(ctx, rid)
	}

	var event audit.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.WarnContext(ctx, "failed to unmarshal audit event",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"caller", requestcontext.Caller(ctx),
			"error", err,
		)
		h.observe(OutcomeMalformed)
		return nil
	}

	entry, err := h.recorder.Record(ctx, event)
	switch {
	case err == nil && entry == nil:
		h.observe(OutcomeSpilled)
		return nil
	case err == nil:
		h.observe(OutcomeRecorded)
		h.logger.DebugContext(ctx, "recorded ingested audit event",
			"entry_id", entry.ID,
			"sequence", entry.Sequence,
			"event_type", entry.EventType,
		)
		return nil
	case dErrors.HasCode(err, dErrors.CodeValidation):
		h.logger.WarnContext(ctx, "dropping invalid audit event",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"event_type", event.EventType,
			"caller", requestcontext.Caller(ctx),
			"error", err,
		)
		h.observe(OutcomeInvalid)
		return nil
	default:
		h.observe(OutcomeFailed)
		return fmt.Errorf("record ingested event: %w", err)
	}
}

func (h *EventHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.IncIngest(outcome)
	}
}
