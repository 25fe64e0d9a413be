package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a consumed record, detached from the client types.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. A nil return commits it; an error means
// the message is redelivered.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// ConsumerConfig configures a group consumer.
type ConsumerConfig struct {
	Brokers []string
	Group   string
	Topics  []string

	// RetryInitial and RetryMax bound the redelivery backoff of a failing
	// message. The message is retried until it succeeds or ctx ends.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Consumer delivers records at least once. Offsets are committed only after
// the handler succeeds, so a failing record blocks its partition.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
	cfg     ConsumerConfig
}

func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger, opts ...kgo.Opt) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Group == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer group and topics are required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger, cfg: cfg}, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var done []*kgo.Record
		var runErr error
		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			if err := c.deliver(ctx, rec); err != nil {
				runErr = err
				break
			}
			done = append(done, rec)
		}
		if len(done) > 0 {
			if err := c.client.CommitRecords(context.WithoutCancel(ctx), done...); err != nil {
				c.logger.ErrorContext(ctx, "kafka commit failed",
					"records", len(done),
					"error", err,
				)
			}
		}
		if runErr != nil {
			return runErr
		}
	}
}

// deliver retries a failing record with backoff until it succeeds or ctx
// ends.
func (c *Consumer) deliver(ctx context.Context, rec *kgo.Record) error {
	msg := toMessage(rec)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return c.handler.Handle(ctx, msg)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "redelivering kafka message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"retry_in", wait,
			"error", err,
		)
	})
}

func (c *Consumer) Close() {
	c.client.Close()
}

func toMessage(rec *kgo.Record) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
