// Package ingest records audit events that emitting services publish to
// Kafka instead of calling the RPC.
package ingest

import (
	"context"
	"log/slog"

	"ledger/internal/platform/kafka"
)

// Router dispatches messages to topic-specific handlers.
type Router struct {
	handlers map[string]kafka.Handler
	fallback kafka.Handler
	logger   *slog.Logger
}

// NewRouter creates a topic router with an optional fallback handler.
func NewRouter(logger *slog.Logger, fallback kafka.Handler) *Router {
	return &Router{
		handlers: make(map[string]kafka.Handler),
		fallback: fallback,
		logger:   logger,
	}
}

// Register adds a handler for a specific topic.
func (r *Router) Register(topic string, handler kafka.Handler) {
	r.handlers[topic] = handler
}

// Handle routes the message to the appropriate topic handler.
func (r *Router) Handle(ctx context.Context, msg *kafka.Message) error {
	handler, ok := r.handlers[msg.Topic]
	if !ok {
		if r.fallback != nil {
			return r.fallback.Handle(ctx, msg)
		}
		r.logger.WarnContext(ctx, "no handler for topic, skipping message",
			"topic", msg.Topic,
			"key", string(msg.Key),
		)
		return nil // commit to avoid redelivery
	}
	return handler.Handle(ctx, msg)
}
