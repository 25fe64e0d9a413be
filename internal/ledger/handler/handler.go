// Package handler exposes the ledger over the internal HTTP RPC.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ledger/internal/anomaly"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
	"ledger/pkg/platform/httputil"
	"ledger/pkg/platform/middleware/metadata"
	"ledger/pkg/requestcontext"
)

// Service is the ledger surface the handler needs.
type Service interface {
	Record(ctx context.Context, event audit.Event) (*models.Entry, error)
	Query(ctx context.Context, filter models.QueryFilter) ([]*models.Entry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*models.Entry, error)
	Proof(ctx context.Context, id uuid.UUID) (*models.MerkleProof, error)
	SealBlock(ctx context.Context) (*models.Block, error)
	GetBlock(ctx context.Context, height int64) (*models.Block, error)
	ListBlocks(ctx context.Context, afterHeight int64, limit int) ([]*models.Block, error)
	VerifyChain(ctx context.Context) (*models.VerificationReport, error)
	VerifyAndRecord(ctx context.Context) (*models.VerificationReport, error)
}

// Detector runs the anomaly heuristics on demand.
type Detector interface {
	Detect(ctx context.Context, start, end time.Time) ([]anomaly.Finding, error)
}

const defaultAnomalyLookback = 24 * time.Hour

// Handler wires ledger endpoints to the ledger service and detector.
type Handler struct {
	service  Service
	detector Detector
	logger   *slog.Logger
}

// New constructs a ledger handler. detector may be nil, in which case the
// anomalies endpoint is not mounted.
func New(service Service, detector Detector, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		detector: detector,
		logger:   logger,
	}
}

// Register mounts ledger endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/audit/events", h.HandleRecord)
	r.Get("/audit/entries", h.HandleQuery)
	r.Get("/audit/entries/{id}", h.HandleGetEntry)
	r.Get("/audit/entries/{id}/proof", h.HandleProof)
	r.Post("/audit/blocks/seal", h.HandleSeal)
	r.Get("/audit/blocks", h.HandleListBlocks)
	r.Get("/audit/blocks/{height}", h.HandleGetBlock)
	r.Get("/audit/verify", h.HandleVerify)
	if h.detector != nil {
		r.Get("/audit/anomalies", h.HandleAnomalies)
	}
}

// HandleRecord handles POST /audit/events.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	event, err := httputil.DecodeJSON[audit.Event](r)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid audit event body",
			"request_id", requestID,
			"client_ip", metadata.GetClientIP(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	entry, err := h.service.Record(ctx, *event)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to record audit event",
			"request_id", requestID,
			"event_type", event.EventType,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if entry == nil {
		// Fail-open: parked for a later write.
		httputil.WriteJSON(w, http.StatusAccepted, &RecordResponse{Accepted: true})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &RecordResponse{Accepted: true, Entry: entry})
}

// HandleQuery handles GET /audit/entries.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := ParseQueryFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.service.Query(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &EntriesResponse{Entries: orEmpty(entries), Count: len(entries)})
}

// HandleGetEntry handles GET /audit/entries/{id}.
func (h *Handler) HandleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := entryIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry, err := h.service.GetEntry(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

// HandleProof handles GET /audit/entries/{id}/proof.
func (h *Handler) HandleProof(w http.ResponseWriter, r *http.Request) {
	id, err := entryIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	proof, err := h.service.Proof(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, proof)
}

// HandleSeal handles POST /audit/blocks/seal.
func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	block, err := h.service.SealBlock(ctx)
	if errors.Is(err, models.ErrNoPendingEntries) {
		httputil.WriteJSON(w, http.StatusOK, &SealResponse{Sealed: false})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "seal failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &SealResponse{Sealed: true, Block: block})
}

// HandleListBlocks handles GET /audit/blocks?after=&limit=.
func (h *Handler) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := parseInt64(q.Get("after"), "after")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	limit, err := parseInt(q.Get("limit"), "limit")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	blocks, err := h.service.ListBlocks(r.Context(), after, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if blocks == nil {
		blocks = []*models.Block{}
	}
	httputil.WriteJSON(w, http.StatusOK, &BlocksResponse{Blocks: blocks, Count: len(blocks)})
}

// HandleGetBlock handles GET /audit/blocks/{height}.
func (h *Handler) HandleGetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(chi.URLParam(r, "height"), 10, 64)
	if err != nil || height < 1 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "height must be a positive integer"))
		return
	}
	block, err := h.service.GetBlock(r.Context(), height)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, block)
}

// HandleVerify handles GET /audit/verify. With record=true an invalid chain
// is also written into the ledger as an integrity violation.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	verify := h.service.VerifyChain
	if record, _ := strconv.ParseBool(r.URL.Query().Get("record")); record {
		verify = h.service.VerifyAndRecord
	}
	report, err := verify(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "chain verification failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if !report.IsValid {
		h.logger.WarnContext(ctx, "chain verification found violations",
			"request_id", requestcontext.RequestID(ctx),
			"invalid_blocks", len(report.InvalidBlocks),
			"invalid_entries", len(report.InvalidEntries),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleAnomalies handles GET /audit/anomalies. The window is either
// start/end or a lookback ending at the request time.
func (h *Handler) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseDetectWindow(r.URL.Query(), requestcontext.Now(ctx), defaultAnomalyLookback)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	findings, err := h.detector.Detect(ctx, start, end)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &FindingsResponse{
		Findings:    findings,
		Count:       len(findings),
		WindowStart: start,
		WindowEnd:   end,
	})
}

func entryIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, "id must be a UUID")
	}
	return id, nil
}

func orEmpty(entries []*models.Entry) []*models.Entry {
	if entries == nil {
		return []*models.Entry{}
	}
	return entries
}
