package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/lock"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/service"
	"ledger/internal/ledger/store/memory"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
)

type fakeLedger struct {
	sealErrs   []error
	sealCalls  atomic.Int32
	drainBatch int
	drained    int
}

func (f *fakeLedger) SealBlock(context.Context) (*models.Block, error) {
	n := int(f.sealCalls.Add(1))
	if n <= len(f.sealErrs) && f.sealErrs[n-1] != nil {
		return nil, f.sealErrs[n-1]
	}
	return &models.Block{Height: int64(n), EntryCount: 1}, nil
}

func (f *fakeLedger) DrainSpill(_ context.Context, batch int) (int, error) {
	f.drainBatch = batch
	return f.drained, nil
}

func (f *fakeLedger) Record(context.Context, audit.Event) (*models.Entry, error) {
	return &models.Entry{}, nil
}

func (f *fakeLedger) Query(context.Context, models.QueryFilter) ([]*models.Entry, error) {
	return nil, nil
}

// scriptedScanner returns the next batch of findings on each scan.
type scriptedScanner struct {
	batches [][]anomaly.Finding
	calls   int
}

func (f *scriptedScanner) ScanRecent(context.Context, time.Duration) ([]anomaly.Finding, error) {
	f.calls++
	if f.calls > len(f.batches) {
		return nil, nil
	}
	return f.batches[f.calls-1], nil
}

func burst(start time.Time) anomaly.Finding {
	return anomaly.Finding{
		IsAnomalous:    true,
		Type:           anomaly.TypeBruteForce,
		Severity:       anomaly.SeverityHigh,
		AffectedUserID: "u1",
		SourceIP:       "203.0.113.9",
		WindowStart:    start,
		WindowEnd:      start.Add(5 * time.Minute),
		ObservedCount:  12,
		Threshold:      10,
	}
}

type WorkerSuite struct {
	suite.Suite
	ctx     context.Context
	logger  *slog.Logger
	store   *memory.InMemoryStore
	service *service.Service
	base    time.Time
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = memory.New()
	s.base = time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	now := s.base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	signer, err := integrity.NewSigner([]byte("worker-test-secret-0123456789abcdef"), 1)
	s.Require().NoError(err)
	s.service, err = service.New(s.store, signer, service.WithLogger(s.logger), service.WithClock(clock))
	s.Require().NoError(err)
}

func (s *WorkerSuite) recordFailedLogins(actor string, n int) {
	for i := 0; i < n; i++ {
		_, err := s.service.Record(s.ctx, audit.Event{
			EventType:   audit.EventFailedLogin,
			Action:      "login",
			Result:      audit.ResultFailure,
			ActorUserID: actor,
		})
		s.Require().NoError(err)
	}
}

func (s *WorkerSuite) TestSealOnce() {
	locker := lock.NewLocalLocker()
	w, err := New(s.service, Config{}, WithLogger(s.logger), WithLocker(locker))
	s.Require().NoError(err)

	s.Run("seals pending entries", func() {
		s.recordFailedLogins("u1", 3)
		s.Require().NoError(w.SealOnce(s.ctx))
		block, err := s.service.GetBlock(s.ctx, 1)
		s.Require().NoError(err)
		s.Equal(3, block.EntryCount)
	})

	s.Run("nothing pending is not an error", func() {
		s.NoError(w.SealOnce(s.ctx))
	})

	s.Run("skips while another instance holds the lock", func() {
		s.recordFailedLogins("u1", 1)
		held, err := locker.TryAcquire(s.ctx, sealLockName, time.Minute)
		s.Require().NoError(err)
		s.Require().NotNil(held)

		s.NoError(w.SealOnce(s.ctx))
		_, err = s.service.GetBlock(s.ctx, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		s.Require().NoError(held.Release(s.ctx))
		s.NoError(w.SealOnce(s.ctx))
		_, err = s.service.GetBlock(s.ctx, 2)
		s.NoError(err)
	})
}

func (s *WorkerSuite) TestSealConflictIsRetriedOnce() {
	ledger := &fakeLedger{sealErrs: []error{dErrors.New(dErrors.CodeConflict, "sealing conflict")}}
	w, err := New(ledger, Config{}, WithLogger(s.logger))
	s.Require().NoError(err)

	s.NoError(w.SealOnce(s.ctx))
	s.Equal(int32(2), ledger.sealCalls.Load())

	ledger = &fakeLedger{sealErrs: []error{
		dErrors.New(dErrors.CodeConflict, "sealing conflict"),
		dErrors.New(dErrors.CodeUnavailable, "store down"),
	}}
	w, err = New(ledger, Config{}, WithLogger(s.logger))
	s.Require().NoError(err)
	s.Error(w.SealOnce(s.ctx))
}

func (s *WorkerSuite) TestScanRecordsEachFindingOnce() {
	detector, err := anomaly.New(s.store,
		anomaly.WithLogger(s.logger),
		anomaly.WithClock(func() time.Time { return s.base.Add(10 * time.Minute) }),
	)
	s.Require().NoError(err)
	w, err := New(s.service, Config{ScanLookback: time.Hour, RecordFindings: true},
		WithLogger(s.logger),
		WithScanner(detector),
		WithClock(func() time.Time { return s.base.Add(10 * time.Minute) }),
	)
	s.Require().NoError(err)

	s.recordFailedLogins("u1", 5)
	s.Require().NoError(w.ScanOnce(s.ctx))
	s.Require().NoError(w.ScanOnce(s.ctx))

	recorded, err := s.service.Query(s.ctx, models.QueryFilter{EventTypes: []audit.EventType{audit.EventAnomalyDetected}})
	s.Require().NoError(err)
	s.Require().Len(recorded, 1)
	s.Equal("u1", recorded[0].ActorUserID)
	s.Equal(string(anomaly.TypeMultipleFailedLogins), recorded[0].Metadata.Get("anomaly_type"))
}

func (s *WorkerSuite) recordedAnomalies() []*models.Entry {
	recorded, err := s.service.Query(s.ctx, models.QueryFilter{EventTypes: []audit.EventType{audit.EventAnomalyDetected}})
	s.Require().NoError(err)
	return recorded
}

func (s *WorkerSuite) TestSlidingWindowOfOneBurstIsRecordedOnce() {
	scanner := &scriptedScanner{batches: [][]anomaly.Finding{
		{burst(s.base)},
		{burst(s.base.Add(2 * time.Minute))},
		{burst(s.base.Add(4*time.Minute + 59*time.Second))},
		{burst(s.base.Add(5 * time.Minute))},
	}}
	w, err := New(s.service, Config{ScanLookback: time.Hour, RecordFindings: true},
		WithLogger(s.logger),
		WithScanner(scanner),
		WithClock(func() time.Time { return s.base.Add(10 * time.Minute) }),
	)
	s.Require().NoError(err)

	for i := 0; i < 3; i++ {
		s.Require().NoError(w.ScanOnce(s.ctx))
	}
	s.Len(s.recordedAnomalies(), 1, "overlapping windows are the same burst")

	s.Require().NoError(w.ScanOnce(s.ctx))
	s.Len(s.recordedAnomalies(), 2, "a window after the recorded one is a new burst")
}

func (s *WorkerSuite) TestInstancesShareScanHistory() {
	locker := lock.NewLocalLocker()
	newWorker := func(scanner Scanner) *Worker {
		w, err := New(s.service, Config{ScanLookback: time.Hour, RecordFindings: true},
			WithLogger(s.logger),
			WithScanner(scanner),
			WithLocker(locker),
			WithClock(func() time.Time { return s.base.Add(10 * time.Minute) }),
		)
		s.Require().NoError(err)
		return w
	}
	first := newWorker(&scriptedScanner{batches: [][]anomaly.Finding{{burst(s.base)}}})
	second := newWorker(&scriptedScanner{batches: [][]anomaly.Finding{{burst(s.base.Add(time.Minute))}}})

	s.Require().NoError(first.ScanOnce(s.ctx))
	s.Require().NoError(second.ScanOnce(s.ctx))
	s.Len(s.recordedAnomalies(), 1)
}

func (s *WorkerSuite) TestScanSkipsWhileAnotherInstanceHoldsTheLock() {
	locker := lock.NewLocalLocker()
	scanner := &scriptedScanner{batches: [][]anomaly.Finding{{burst(s.base)}}}
	w, err := New(s.service, Config{RecordFindings: true},
		WithLogger(s.logger),
		WithScanner(scanner),
		WithLocker(locker),
	)
	s.Require().NoError(err)

	held, err := locker.TryAcquire(s.ctx, scanLockName, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(held)

	s.NoError(w.ScanOnce(s.ctx))
	s.Zero(scanner.calls)

	s.Require().NoError(held.Release(s.ctx))
	s.NoError(w.ScanOnce(s.ctx))
	s.Equal(1, scanner.calls)
	s.Len(s.recordedAnomalies(), 1)
}

func (s *WorkerSuite) TestDrainOnce() {
	ledger := &fakeLedger{drained: 2}
	w, err := New(ledger, Config{DrainBatch: 25}, WithLogger(s.logger))
	s.Require().NoError(err)
	s.NoError(w.DrainOnce(s.ctx))
	s.Equal(25, ledger.drainBatch)
}

func (s *WorkerSuite) TestRunStopsOnCancel() {
	ledger := &fakeLedger{}
	w, err := New(ledger, Config{SealInterval: 5 * time.Millisecond}, WithLogger(s.logger))
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	s.Eventually(func() bool { return ledger.sealCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("worker did not stop")
	}
}

func (s *WorkerSuite) TestNew() {
	_, err := New(nil, Config{})
	s.Error(err)
}
