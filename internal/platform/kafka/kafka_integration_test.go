//go:build integration

package kafka_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"ledger/internal/platform/kafka"
	"ledger/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	brokers  []string
	producer *kafka.Producer
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.brokers = containers.GetManager().GetRedpanda(s.T()).Brokers
	p, err := kafka.NewProducer(s.brokers)
	s.Require().NoError(err)
	s.producer = p
}

func (s *KafkaSuite) TearDownSuite() {
	s.producer.Close()
}

func (s *KafkaSuite) TestEnsureTopicsIsIdempotent() {
	ctx := context.Background()
	topic := "ensure-" + uuid.NewString()
	s.Require().NoError(kafka.EnsureTopics(ctx, s.producer.Client(), 1, 1, topic))
	s.Require().NoError(kafka.EnsureTopics(ctx, s.producer.Client(), 1, 1, topic))
}

func (s *KafkaSuite) TestFailedMessageIsRedeliveredBeforeCommit() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	topic := "ingest-" + uuid.NewString()
	s.Require().NoError(kafka.EnsureTopics(ctx, s.producer.Client(), 1, 1, topic))
	s.Require().NoError(s.producer.Publish(ctx, topic, []byte("k1"), []byte(`{"n":1}`), map[string]string{"caller": "billing"}))

	var attempts atomic.Int32
	got := make(chan *kafka.Message, 1)
	handler := kafka.HandlerFunc(func(_ context.Context, msg *kafka.Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		got <- msg
		return nil
	})

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      s.brokers,
		Group:        "group-" + uuid.NewString(),
		Topics:       []string{topic},
		RetryInitial: 10 * time.Millisecond,
		RetryMax:     50 * time.Millisecond,
	}, handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)
	defer consumer.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = consumer.Run(runCtx) }()

	select {
	case msg := <-got:
		s.Equal(topic, msg.Topic)
		s.Equal("k1", string(msg.Key))
		s.Equal("billing", msg.Headers["caller"])
		s.Equal(int32(3), attempts.Load())
	case <-ctx.Done():
		s.FailNow("message was not delivered")
	}
}
