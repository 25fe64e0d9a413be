package anomaly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"ledger/internal/anomaly/metrics"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/store"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
)

// fakeSource serves a fixed entry list, filtered like a store would.
type fakeSource struct {
	entries []*models.Entry
	err     error
}

func (f *fakeSource) EntriesBetween(_ context.Context, start, end time.Time) ([]*models.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Entry
	for _, e := range f.entries {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, e)
		}
	}
	store.SortOldestFirst(out)
	return out, nil
}

type capturingPublisher struct {
	mu       sync.Mutex
	findings []Finding
	err      error
}

func (p *capturingPublisher) PublishFinding(_ context.Context, f Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findings = append(p.findings, f)
	return p.err
}

type DetectorSuite struct {
	suite.Suite
	ctx       context.Context
	source    *fakeSource
	publisher *capturingPublisher
	metrics   *metrics.Metrics
	detector  *Detector
	base      time.Time
	seq       int64
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorSuite))
}

func (s *DetectorSuite) SetupTest() {
	s.ctx = context.Background()
	s.source = &fakeSource{}
	s.publisher = &capturingPublisher{}
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.base = time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC) // inside business hours
	s.seq = 0

	d, err := New(s.source,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPublisher(s.publisher),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.base.Add(2 * time.Hour) }),
	)
	s.Require().NoError(err)
	s.detector = d
}

type entryOpt func(e *models.Entry)

func withIP(ip string) entryOpt { return func(e *models.Entry) { e.IPAddress = ip } }

func withCountry(c string) entryOpt {
	return func(e *models.Entry) { e.Metadata = e.Metadata.With(audit.MetaCountry, c) }
}

func withUserAgent(ua string) entryOpt { return func(e *models.Entry) { e.UserAgent = ua } }

func (s *DetectorSuite) add(actor string, eventType audit.EventType, result audit.Result, at time.Duration, opts ...entryOpt) *models.Entry {
	s.seq++
	e := &models.Entry{
		ID:          uuid.New(),
		Sequence:    s.seq,
		Timestamp:   s.base.Add(at),
		EventType:   eventType,
		Action:      string(eventType),
		Result:      result,
		ActorUserID: actor,
		TenantID:    "t1",
	}
	for _, opt := range opts {
		opt(e)
	}
	s.source.entries = append(s.source.entries, e)
	return e
}

func (s *DetectorSuite) failedLogin(actor string, at time.Duration, opts ...entryOpt) *models.Entry {
	return s.add(actor, audit.EventFailedLogin, audit.ResultFailure, at, opts...)
}

func (s *DetectorSuite) detect() []Finding {
	findings, err := s.detector.Detect(s.ctx, s.base.Add(-time.Hour), s.base.Add(3*time.Hour))
	s.Require().NoError(err)
	return findings
}

func ofType(findings []Finding, t Type) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (s *DetectorSuite) TestMultipleFailedLogins() {
	s.Run("five failures within ten minutes fire once", func() {
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			ids = append(ids, s.failedLogin("u1", time.Duration(i)*2*time.Minute).ID)
		}

		got := ofType(s.detect(), TypeMultipleFailedLogins)
		s.Require().Len(got, 1)
		f := got[0]
		s.True(f.IsAnomalous)
		s.Equal(SeverityHigh, f.Severity)
		s.Equal("u1", f.AffectedUserID)
		s.Equal(5, f.ObservedCount)
		s.Equal(5, f.Threshold)
		s.Equal(s.base, f.WindowStart)
		s.Equal(s.base.Add(8*time.Minute), f.WindowEnd)
		s.Equal(ids, f.EntryIDs)
	})

	s.Run("failed login attempts count but successes do not", func() {
		s.SetupTest()
		for i := 0; i < 4; i++ {
			s.add("u2", audit.EventLoginAttempt, audit.ResultFailure, time.Duration(i)*time.Minute)
		}
		s.add("u2", audit.EventLoginAttempt, audit.ResultSuccess, 5*time.Minute)
		s.Empty(ofType(s.detect(), TypeMultipleFailedLogins))

		s.add("u2", audit.EventLoginSuccess, audit.ResultFailure, 6*time.Minute)
		s.Len(ofType(s.detect(), TypeMultipleFailedLogins), 1)
	})

	s.Run("two failures twenty minutes apart do not fire", func() {
		s.SetupTest()
		s.failedLogin("u3", 0)
		s.failedLogin("u3", 20*time.Minute)
		s.Empty(s.detect())
	})

	s.Run("failures spread beyond the window do not fire", func() {
		s.SetupTest()
		for i := 0; i < 5; i++ {
			s.failedLogin("u4", time.Duration(i)*20*time.Minute)
		}
		s.Empty(ofType(s.detect(), TypeMultipleFailedLogins))
	})
}

func (s *DetectorSuite) TestIPBasedLoginAttacks() {
	for i := 0; i < 12; i++ {
		s.failedLogin(fmt.Sprintf("victim-%d", i%4), time.Duration(i)*time.Minute, withIP("203.0.113.7"))
	}

	findings := s.detect()
	brute := ofType(findings, TypeBruteForce)
	s.Require().Len(brute, 1)
	s.Equal(SeverityCritical, brute[0].Severity)
	s.Equal("203.0.113.7", brute[0].SourceIP)
	s.Equal(12, brute[0].ObservedCount)
	s.Contains(brute[0].Description, "4 accounts")

	s.Empty(ofType(findings, TypeCredentialStuffing), "12 attempts is below the stuffing threshold")
	s.Equal(SeverityCritical, findings[0].Severity, "most severe first")
}

func (s *DetectorSuite) TestCredentialStuffing() {
	for i := 0; i < 60; i++ {
		s.failedLogin(fmt.Sprintf("user-%d", i), time.Duration(i)*5*time.Second, withIP("198.51.100.9"))
	}
	got := ofType(s.detect(), TypeCredentialStuffing)
	s.Require().Len(got, 1)
	s.Equal(60, got[0].ObservedCount)
	s.Len(got[0].EntryIDs, DefaultConfig().MaxEvidence)
}

func (s *DetectorSuite) TestDataAccess() {
	for i := 0; i < 90; i++ {
		s.add("reader", audit.EventDataRead, audit.ResultSuccess, time.Duration(i)*20*time.Second)
	}
	for i := 0; i < 10; i++ {
		s.add("reader", audit.EventDataExport, audit.ResultSuccess, 30*time.Minute+time.Duration(i)*time.Minute)
	}

	findings := s.detect()
	excessive := ofType(findings, TypeExcessiveDataAccess)
	s.Require().Len(excessive, 1)
	s.Equal(SeverityMedium, excessive[0].Severity)
	s.Equal(100, excessive[0].ObservedCount)

	exfil := ofType(findings, TypeDataExfiltration)
	s.Require().Len(exfil, 1)
	s.Equal(SeverityHigh, exfil[0].Severity)
	s.Equal(10, exfil[0].ObservedCount)
}

func (s *DetectorSuite) TestOffHours() {
	night := -8 * time.Hour // 02:00 UTC
	s.base = s.base.Add(night)
	for i := 0; i < 10; i++ {
		s.add("owl", audit.EventDataModified, audit.ResultSuccess, time.Duration(i)*time.Minute)
	}
	s.base = s.base.Add(-night)

	findings, err := s.detector.Detect(s.ctx, s.base.Add(-12*time.Hour), s.base)
	s.Require().NoError(err)
	got := ofType(findings, TypeOffHoursActivity)
	s.Require().Len(got, 1)
	s.Equal(SeverityLow, got[0].Severity)
	s.Equal("owl", got[0].AffectedUserID)
}

func (s *DetectorSuite) TestOffHoursAcrossMidnight() {
	cfg := DefaultConfig()
	cfg.OffHours.StartHour, cfg.OffHours.EndHour = 22, 6
	s.Require().NoError(cfg.Validate())
	d, err := New(s.source, WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	// base is 10:00 UTC: off hours for a night shift.
	for i := 0; i < 10; i++ {
		s.add("day", audit.EventDataModified, audit.ResultSuccess, time.Duration(i)*time.Minute)
	}
	// 23:00 and 02:00 fall inside the shift.
	for i := 0; i < 5; i++ {
		s.add("night", audit.EventDataModified, audit.ResultSuccess, 13*time.Hour+time.Duration(i)*time.Minute)
		s.add("night", audit.EventDataModified, audit.ResultSuccess, 16*time.Hour+time.Duration(i)*time.Minute)
	}

	findings, err := d.Detect(s.ctx, s.base.Add(-time.Hour), s.base.Add(24*time.Hour))
	s.Require().NoError(err)
	got := ofType(findings, TypeOffHoursActivity)
	s.Require().Len(got, 1)
	s.Equal("day", got[0].AffectedUserID)
	s.Contains(got[0].Description, "22:00-06:00")
}

func TestOffHoursRuleBusinessHours(t *testing.T) {
	s := suite.Suite{}
	s.SetT(t)

	day := OffHoursRule{StartHour: 8, EndHour: 18}
	s.True(day.inBusinessHours(8))
	s.True(day.inBusinessHours(17))
	s.False(day.inBusinessHours(18))
	s.False(day.inBusinessHours(2))

	night := OffHoursRule{StartHour: 22, EndHour: 6}
	s.True(night.inBusinessHours(22))
	s.True(night.inBusinessHours(0))
	s.True(night.inBusinessHours(5))
	s.False(night.inBusinessHours(6))
	s.False(night.inBusinessHours(12))

	toMidnight := OffHoursRule{StartHour: 20, EndHour: 0}
	s.True(toMidnight.inBusinessHours(23))
	s.False(toMidnight.inBusinessHours(0))

	allDay := OffHoursRule{StartHour: 0, EndHour: 24}
	s.True(allDay.inBusinessHours(0))
	s.True(allDay.inBusinessHours(23))
}

func (s *DetectorSuite) TestMultipleIPAddresses() {
	chrome := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	s.add("roamer", audit.EventDataRead, audit.ResultSuccess, 0, withIP("10.0.0.1"), withUserAgent(chrome))
	s.add("roamer", audit.EventDataRead, audit.ResultSuccess, 10*time.Minute, withIP("10.0.0.2"))
	s.add("roamer", audit.EventDataRead, audit.ResultSuccess, 20*time.Minute, withIP("10.0.0.1"))
	s.add("roamer", audit.EventDataRead, audit.ResultSuccess, 30*time.Minute, withIP("10.0.0.3"))

	got := ofType(s.detect(), TypeMultipleIPAddresses)
	s.Require().Len(got, 1)
	s.Equal(3, got[0].ObservedCount)
	s.Equal(SeverityMedium, got[0].Severity)
	s.Contains(got[0].Description, "Chrome")
}

func (s *DetectorSuite) TestImpossibleTravel() {
	s.Run("three countries is not enough", func() {
		for i, c := range []string{"DE", "FR", "US"} {
			s.add("traveller", audit.EventDataRead, audit.ResultSuccess, time.Duration(i)*10*time.Minute, withCountry(c))
		}
		s.Empty(ofType(s.detect(), TypeImpossibleTravel))
	})

	s.Run("a fourth country within the hour fires", func() {
		s.add("traveller", audit.EventDataRead, audit.ResultSuccess, 40*time.Minute, withCountry("JP"))
		got := ofType(s.detect(), TypeImpossibleTravel)
		s.Require().Len(got, 1)
		s.Equal(SeverityHigh, got[0].Severity)
		s.Equal(4, got[0].ObservedCount)
		s.Contains(got[0].Description, "DE, FR, JP, US")
	})
}

func (s *DetectorSuite) TestLedgerGeneratedEntriesAreIgnored() {
	for i := 0; i < 12; i++ {
		s.add("u1", audit.EventAnomalyDetected, audit.ResultSuccess, -9*time.Hour+time.Duration(i)*time.Minute)
	}
	findings, err := s.detector.Detect(s.ctx, s.base.Add(-12*time.Hour), s.base)
	s.Require().NoError(err)
	s.Empty(findings)
}

func (s *DetectorSuite) TestDisabledHeuristic() {
	cfg := DefaultConfig()
	cfg.FailedLogins.Enabled = false
	d, err := New(s.source, WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	for i := 0; i < 6; i++ {
		s.failedLogin("u1", time.Duration(i)*time.Minute)
	}
	findings, err := d.Detect(s.ctx, s.base, s.base.Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(ofType(findings, TypeMultipleFailedLogins))
}

func (s *DetectorSuite) TestPublishingAndMetrics() {
	for i := 0; i < 5; i++ {
		s.failedLogin("u1", time.Duration(i)*time.Minute)
	}
	s.publisher.err = errors.New("broker unavailable")

	findings := s.detect()
	s.Len(findings, 1, "publish failures do not fail detection")
	s.Len(s.publisher.findings, 1)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.PublishFailures))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Findings.WithLabelValues(string(TypeMultipleFailedLogins), string(SeverityHigh))))
}

func (s *DetectorSuite) TestErrors() {
	s.Run("inverted window", func() {
		_, err := s.detector.Detect(s.ctx, s.base, s.base)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("source failure", func() {
		s.source.err = errors.New("db down")
		_, err := s.detector.ScanRecent(s.ctx, time.Hour)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("nil source", func() {
		_, err := New(nil)
		s.Error(err)
	})
}

func (s *DetectorSuite) TestScanRecentUsesLookback() {
	s.failedLogin("u1", 0)
	for i := 0; i < 5; i++ {
		s.failedLogin("u5", 90*time.Minute+time.Duration(i)*time.Minute)
	}
	findings, err := s.detector.ScanRecent(s.ctx, time.Hour)
	s.Require().NoError(err)
	s.Require().Len(findings, 1)
	s.Equal("u5", findings[0].AffectedUserID)
}

type recorderFunc func(ctx context.Context, e audit.Event) (*models.Entry, error)

func (f recorderFunc) Record(ctx context.Context, e audit.Event) (*models.Entry, error) {
	return f(ctx, e)
}

func (s *DetectorSuite) TestRecordFinding() {
	f := Finding{
		IsAnomalous:    true,
		Type:           TypeBruteForce,
		Severity:       SeverityCritical,
		AffectedUserID: "u1",
		SourceIP:       "203.0.113.7",
		ObservedCount:  12,
		Threshold:      10,
		WindowStart:    s.base,
		WindowEnd:      s.base.Add(11 * time.Minute),
	}
	var got audit.Event
	_, err := RecordFinding(s.ctx, recorderFunc(func(_ context.Context, e audit.Event) (*models.Entry, error) {
		got = e
		return &models.Entry{}, nil
	}), f)
	s.Require().NoError(err)

	s.NoError(got.Validate())
	s.Equal(audit.EventAnomalyDetected, got.EventType)
	s.Equal("203.0.113.7", got.IPAddress)
	s.Equal("critical", got.Metadata.Get("severity"))
	s.Equal("12", got.Metadata.Get("observed_count"))
}

func TestLoadConfig(t *testing.T) {
	s := suite.Suite{}
	s.SetT(t)

	cfg, err := LoadConfig("")
	s.Require().NoError(err)
	s.Equal(DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "anomaly.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(`
failed_logins:
  enabled: true
  window: 30m
  threshold: 3
off_hours:
  enabled: false
  threshold: 10
  start_hour: 9
  end_hour: 17
  location: UTC
`), 0o600))

	cfg, err = LoadConfig(path)
	s.Require().NoError(err)
	s.Equal(30*time.Minute, cfg.FailedLogins.Window)
	s.Equal(3, cfg.FailedLogins.Threshold)
	s.False(cfg.OffHours.Enabled)
	s.Equal(17, cfg.OffHours.EndHour)
	s.Equal(DefaultConfig().BruteForce, cfg.BruteForce, "unset keys keep defaults")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	s.Require().NoError(os.WriteFile(bad, []byte("brute_force:\n  threshold: 0\n"), 0o600))
	_, err = LoadConfig(bad)
	s.Error(err)
}

func TestApplyEnv(t *testing.T) {
	s := suite.Suite{}
	s.SetT(t)

	env := map[string]string{
		"LEDGER_ANOMALY_FAILED_LOGINS_THRESHOLD":   "7",
		"LEDGER_ANOMALY_BRUTE_FORCE_WINDOW":        "20m",
		"LEDGER_ANOMALY_IMPOSSIBLE_TRAVEL_ENABLED": "false",
		"LEDGER_ANOMALY_BUSINESS_HOURS":            "7-19",
	}
	cfg := DefaultConfig()
	s.Require().NoError(cfg.ApplyEnv(func(k string) string { return env[k] }))
	s.Equal(7, cfg.FailedLogins.Threshold)
	s.Equal(20*time.Minute, cfg.BruteForce.Window)
	s.False(cfg.ImpossibleTravel.Enabled)
	s.Equal(7, cfg.OffHours.StartHour)
	s.Equal(19, cfg.OffHours.EndHour)

	cfg = DefaultConfig()
	s.Require().NoError(cfg.ApplyEnv(func(k string) string {
		if k == "LEDGER_ANOMALY_BUSINESS_HOURS" {
			return "22-6"
		}
		return ""
	}))
	s.Equal(22, cfg.OffHours.StartHour)
	s.Equal(6, cfg.OffHours.EndHour)

	cfg = DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "LEDGER_ANOMALY_BUSINESS_HOURS" {
			return "9-9"
		}
		return ""
	})
	s.Error(err, "an empty business-hours span is rejected")

	cfg = DefaultConfig()
	err = cfg.ApplyEnv(func(k string) string {
		if k == "LEDGER_ANOMALY_TIMEZONE" {
			return "Mars/Olympus"
		}
		return ""
	})
	s.Error(err)
}
