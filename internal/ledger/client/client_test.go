package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/handler"
	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/models"
	"ledger/internal/ledger/service"
	"ledger/internal/ledger/store/memory"
	dErrors "ledger/pkg/domain-errors"
	audit "ledger/pkg/platform/audit"
	"ledger/pkg/platform/middleware/admin"
)

const token = "client-test-token"

type ClientSuite struct {
	suite.Suite
	server *httptest.Server
	client *Client
	ctx    context.Context
	base   time.Time
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	s.base = time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	now := s.base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}

	signer, err := integrity.NewSigner([]byte("client-test-secret-0123456789abcdef"), 1)
	s.Require().NoError(err)
	svc, err := service.New(store, signer, service.WithLogger(logger), service.WithClock(clock))
	s.Require().NoError(err)
	detector, err := anomaly.New(store, anomaly.WithLogger(logger))
	s.Require().NoError(err)

	r := chi.NewRouter()
	r.Use(admin.RequireAdminToken(token, logger))
	handler.New(svc, detector, logger).Register(r)
	s.server = httptest.NewServer(r)

	s.client, err = New(s.server.URL, token)
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func failedLogin(user string) audit.Event {
	return audit.Event{
		EventType:   audit.EventFailedLogin,
		ActorUserID: user,
		TenantID:    "t1",
		Action:      "login",
		Result:      audit.ResultFailure,
		IPAddress:   "203.0.113.7",
	}
}

func (s *ClientSuite) TestNew() {
	_, err := New("not a url", token)
	s.Error(err)
	_, err = New("localhost:8080", token)
	s.Error(err)
}

func (s *ClientSuite) TestRecordSealAndProof() {
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		resp, err := s.client.Record(s.ctx, failedLogin("u1"))
		s.Require().NoError(err)
		s.Require().NotNil(resp.Entry)
		ids = append(ids, resp.Entry.ID)
	}

	s.Run("proof before sealing is a conflict", func() {
		_, err := s.client.Proof(s.ctx, ids[0])
		s.True(dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)
	})

	sealed, err := s.client.Seal(s.ctx)
	s.Require().NoError(err)
	s.Require().True(sealed.Sealed)
	s.Equal(int64(1), sealed.Block.Height)
	s.Equal(3, sealed.Block.EntryCount)

	s.Run("second seal has nothing pending", func() {
		again, err := s.client.Seal(s.ctx)
		s.Require().NoError(err)
		s.False(again.Sealed)
		s.Nil(again.Block)
	})

	s.Run("proof verifies against the block root", func() {
		proof, err := s.client.Proof(s.ctx, ids[1])
		s.Require().NoError(err)
		s.True(integrity.VerifyProof(proof))

		block, err := s.client.GetBlock(s.ctx, proof.BlockHeight)
		s.Require().NoError(err)
		s.Equal(block.MerkleRoot, proof.MerkleRoot)
	})

	s.Run("blocks list", func() {
		blocks, err := s.client.ListBlocks(s.ctx, 0, 10)
		s.Require().NoError(err)
		s.Equal(1, blocks.Count)
	})
}

func (s *ClientSuite) TestQueryAndGet() {
	_, err := s.client.Record(s.ctx, failedLogin("u1"))
	s.Require().NoError(err)
	second, err := s.client.Record(s.ctx, failedLogin("u2"))
	s.Require().NoError(err)

	resp, err := s.client.Query(s.ctx, models.QueryFilter{ActorUserID: "u2"})
	s.Require().NoError(err)
	s.Require().Equal(1, resp.Count)
	s.Equal(second.Entry.ID, resp.Entries[0].ID)

	entry, err := s.client.GetEntry(s.ctx, second.Entry.ID)
	s.Require().NoError(err)
	s.Equal(second.Entry.Signature, entry.Signature)

	_, err = s.client.GetEntry(s.ctx, uuid.New())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "got %v", err)
}

func (s *ClientSuite) TestVerifyAndDetect() {
	for i := 0; i < 5; i++ {
		_, err := s.client.Record(s.ctx, failedLogin("u1"))
		s.Require().NoError(err)
	}

	report, err := s.client.Verify(s.ctx, false)
	s.Require().NoError(err)
	s.True(report.IsValid)
	s.Equal(5, report.EntriesChecked)

	findings, err := s.client.Detect(s.ctx, s.base, s.base.Add(time.Hour))
	s.Require().NoError(err)
	var types []anomaly.Type
	for _, f := range findings.Findings {
		types = append(types, f.Type)
	}
	s.Contains(types, anomaly.TypeMultipleFailedLogins)

	_, err = s.client.Detect(s.ctx, s.base.Add(time.Hour), s.base)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation) || dErrors.HasCode(err, dErrors.CodeBadRequest), "got %v", err)
}

func (s *ClientSuite) TestBadToken() {
	c, err := New(s.server.URL, "wrong")
	s.Require().NoError(err)
	_, err = c.Verify(s.ctx, false)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized), "got %v", err)
}

func (s *ClientSuite) TestQueryValues() {
	start := s.base
	minHeight := int64(2)
	q := QueryValues(models.QueryFilter{
		Start:      &start,
		TenantID:   "t1",
		EventTypes: []audit.EventType{audit.EventDataRead, audit.EventDataExport},
		MinHeight:  &minHeight,
		Limit:      10,
	})
	f, err := handler.ParseQueryFilter(q)
	s.Require().NoError(err)
	s.True(f.Start.Equal(start))
	s.Equal("t1", f.TenantID)
	s.Equal([]audit.EventType{audit.EventDataRead, audit.EventDataExport}, f.EventTypes)
	s.Equal(int64(2), *f.MinHeight)
	s.Equal(10, f.Limit)
}
