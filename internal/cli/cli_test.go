package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/handler"
	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/service"
	"ledger/internal/ledger/store/memory"
	audit "ledger/pkg/platform/audit"
	"ledger/pkg/platform/middleware/admin"
)

const token = "cli-test-token"

type CLISuite struct {
	suite.Suite
	server  *httptest.Server
	service *service.Service
	store   *memory.InMemoryStore
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = memory.New()
	signer, err := integrity.NewSigner([]byte("cli-test-secret-0123456789abcdefgh"), 1)
	s.Require().NoError(err)
	s.service, err = service.New(s.store, signer, service.WithLogger(logger))
	s.Require().NoError(err)
	detector, err := anomaly.New(s.store, anomaly.WithLogger(logger))
	s.Require().NoError(err)

	r := chi.NewRouter()
	r.Use(admin.RequireAdminToken(token, logger))
	handler.New(s.service, detector, logger).Register(r)
	s.server = httptest.NewServer(r)
}

func (s *CLISuite) TearDownTest() {
	s.server.Close()
}

func (s *CLISuite) run(args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", s.server.URL, "--token", token}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (s *CLISuite) record(n int) []*models.Entry {
	var entries []*models.Entry
	for i := 0; i < n; i++ {
		e, err := s.service.Record(context.Background(), audit.Event{
			EventType:   audit.EventDataRead,
			ActorUserID: "u1",
			TenantID:    "t1",
			Action:      "read",
			Result:      audit.ResultSuccess,
		})
		s.Require().NoError(err)
		entries = append(entries, e)
	}
	return entries
}

func (s *CLISuite) TestSeal() {
	out, err := s.run("seal")
	s.Require().NoError(err)
	s.Contains(out, "nothing to seal")

	s.record(7)
	out, err = s.run("seal")
	s.Require().NoError(err)
	s.Contains(out, "sealed block 1: 7 entries")
}

func (s *CLISuite) TestVerify() {
	s.record(3)
	out, err := s.run("verify")
	s.Require().NoError(err)
	s.Contains(out, "VALID")
	s.Contains(out, "entries checked: 3")

	out, err = s.run("--json", "verify")
	s.Require().NoError(err)
	var report models.VerificationReport
	s.Require().NoError(json.Unmarshal([]byte(out), &report))
	s.True(report.IsValid)
}

func (s *CLISuite) TestVerifyFailsOnTamper() {
	entries := s.record(3)
	s.Require().NoError(s.store.Mutate(entries[1].ID, func(e *models.Entry) { e.Action = "export" }))

	out, err := s.run("verify")
	s.Require().ErrorIs(err, errChainInvalid)
	s.Contains(out, "INVALID")
	s.Contains(out, entries[1].ID.String())
}

func (s *CLISuite) TestQuery() {
	s.record(2)
	out, err := s.run("query", "--actor", "u1", "--type", "data_read")
	s.Require().NoError(err)
	s.Contains(out, "2 entries")

	_, err = s.run("query", "--type", "not_a_type")
	s.Error(err)

	_, err = s.run("query", "--start", "yesterday")
	s.Error(err)
}

func (s *CLISuite) TestProof() {
	entries := s.record(4)
	_, err := s.run("seal")
	s.Require().NoError(err)

	out, err := s.run("proof", entries[2].ID.String())
	s.Require().NoError(err)
	s.Contains(out, "proof OK")
	s.Contains(out, "leaf 3 of 4")

	_, err = s.run("proof", "not-a-uuid")
	s.Error(err)
}

func (s *CLISuite) TestDetect() {
	out, err := s.run("detect", "--lookback", "1h")
	s.Require().NoError(err)
	s.Contains(out, "0 findings")

	now := time.Now().UTC()
	_, err = s.run("detect", "--start", now.Add(-time.Hour).Format(time.RFC3339))
	s.Error(err)
}

func (s *CLISuite) TestMissingToken() {
	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--addr", s.server.URL, "--token", "", "verify"})
	s.Error(cmd.Execute())
}
