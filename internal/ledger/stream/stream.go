// Package stream publishes recorded security entries and anomaly findings to
// Kafka topics for downstream alerting.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/metrics"
	"ledger/internal/ledger/models"
)

// Producer writes one record to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Topics names the destination of each message kind.
type Topics struct {
	Entries  string
	Findings string
}

// Publisher implements the ledger's entry notifier and the detector's
// finding publisher over one producer.
type Publisher struct {
	producer Producer
	topics   Topics
	metrics  *metrics.Metrics
}

func New(producer Producer, topics Topics, m *metrics.Metrics) (*Publisher, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if topics.Entries == "" || topics.Findings == "" {
		return nil, errors.New("entry and finding topics are required")
	}
	return &Publisher{producer: producer, topics: topics, metrics: m}, nil
}

// NotifyEntry publishes e keyed by its ID.
func (p *Publisher) NotifyEntry(ctx context.Context, e *models.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	headers := map[string]string{
		"event_type": string(e.EventType),
		"category":   string(e.Category()),
	}
	return p.publish(ctx, p.topics.Entries, []byte(e.ID.String()), body, headers)
}

// PublishFinding publishes f keyed by the affected user, or the source IP
// for IP-grouped findings, so one subject's findings stay ordered.
func (p *Publisher) PublishFinding(ctx context.Context, f anomaly.Finding) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode finding: %w", err)
	}
	key := f.AffectedUserID
	if key == "" {
		key = f.SourceIP
	}
	headers := map[string]string{
		"anomaly_type": string(f.Type),
		"severity":     string(f.Severity),
	}
	return p.publish(ctx, p.topics.Findings, []byte(key), body, headers)
}

func (p *Publisher) publish(ctx context.Context, topic string, key, body []byte, headers map[string]string) error {
	if err := p.producer.Publish(ctx, topic, key, body, headers); err != nil {
		if p.metrics != nil {
			p.metrics.IncStreamPublishFailure(topic)
		}
		return err
	}
	return nil
}
