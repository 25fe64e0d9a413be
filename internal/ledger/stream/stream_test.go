package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/metrics"
	"ledger/internal/ledger/models"
	"ledger/pkg/platform/audit"
)

type record struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	records []record
	err     error
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record{topic, string(key), value, headers})
	return nil
}

var topics = Topics{Entries: "audit.security-entries", Findings: "audit.anomalies"}

func TestNew(t *testing.T) {
	_, err := New(nil, topics, nil)
	assert.Error(t, err)
	_, err = New(&fakeProducer{}, Topics{Entries: "x"}, nil)
	assert.Error(t, err)
}

func TestNotifyEntry(t *testing.T) {
	producer := &fakeProducer{}
	p, err := New(producer, topics, nil)
	require.NoError(t, err)

	entry := &models.Entry{
		ID:        uuid.New(),
		Sequence:  7,
		Timestamp: time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC),
		EventType: audit.EventKeyRevoked,
		Action:    "revoke",
		Result:    audit.ResultSuccess,
	}
	require.NoError(t, p.NotifyEntry(context.Background(), entry))

	require.Len(t, producer.records, 1)
	rec := producer.records[0]
	assert.Equal(t, topics.Entries, rec.topic)
	assert.Equal(t, entry.ID.String(), rec.key)
	assert.Equal(t, "security", rec.headers["category"])

	var decoded models.Entry
	require.NoError(t, json.Unmarshal(rec.value, &decoded))
	assert.Equal(t, entry.Sequence, decoded.Sequence)
}

func TestPublishFinding(t *testing.T) {
	producer := &fakeProducer{}
	p, err := New(producer, topics, nil)
	require.NoError(t, err)

	require.NoError(t, p.PublishFinding(context.Background(), anomaly.Finding{
		Type:     anomaly.TypeBruteForce,
		Severity: anomaly.SeverityCritical,
		SourceIP: "203.0.113.7",
	}))
	require.Len(t, producer.records, 1)
	assert.Equal(t, topics.Findings, producer.records[0].topic)
	assert.Equal(t, "203.0.113.7", producer.records[0].key, "IP-grouped findings are keyed by IP")
	assert.Equal(t, "critical", producer.records[0].headers["severity"])
}

func TestPublishFailureIsCounted(t *testing.T) {
	m := metrics.NewWith(prometheus.NewRegistry())
	p, err := New(&fakeProducer{err: errors.New("broker down")}, topics, m)
	require.NoError(t, err)

	err = p.PublishFinding(context.Background(), anomaly.Finding{AffectedUserID: "u1"})
	assert.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamPublishFail.WithLabelValues(topics.Findings)))
}
