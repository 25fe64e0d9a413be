// Package client calls the ledger's internal HTTP RPC.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledger/internal/ledger/handler"
	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	audit "ledger/pkg/platform/audit"
	"ledger/pkg/platform/middleware/admin"
)

const DefaultTimeout = 30 * time.Second

// Client is a thin typed wrapper over the /audit routes. Error bodies are
// decoded back into coded domain errors.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger address %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Record submits one event. A nil Entry in the response means the ledger
// accepted the event into its spill buffer.
func (c *Client) Record(ctx context.Context, event audit.Event) (*handler.RecordResponse, error) {
	var resp handler.RecordResponse
	if err := c.do(ctx, http.MethodPost, "/audit/events", nil, event, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query lists entries matching filter, newest first.
func (c *Client) Query(ctx context.Context, filter models.QueryFilter) (*handler.EntriesResponse, error) {
	var resp handler.EntriesResponse
	if err := c.do(ctx, http.MethodGet, "/audit/entries", QueryValues(filter), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetEntry(ctx context.Context, id uuid.UUID) (*models.Entry, error) {
	var entry models.Entry
	if err := c.do(ctx, http.MethodGet, "/audit/entries/"+id.String(), nil, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) Proof(ctx context.Context, id uuid.UUID) (*models.MerkleProof, error) {
	var proof models.MerkleProof
	if err := c.do(ctx, http.MethodGet, "/audit/entries/"+id.String()+"/proof", nil, nil, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// Seal asks the ledger to seal pending entries. Sealed is false when there
// was nothing to seal.
func (c *Client) Seal(ctx context.Context) (*handler.SealResponse, error) {
	var resp handler.SealResponse
	if err := c.do(ctx, http.MethodPost, "/audit/blocks/seal", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListBlocks(ctx context.Context, afterHeight int64, limit int) (*handler.BlocksResponse, error) {
	q := url.Values{}
	if afterHeight > 0 {
		q.Set("after", strconv.FormatInt(afterHeight, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp handler.BlocksResponse
	if err := c.do(ctx, http.MethodGet, "/audit/blocks", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetBlock(ctx context.Context, height int64) (*models.Block, error) {
	var block models.Block
	if err := c.do(ctx, http.MethodGet, "/audit/blocks/"+strconv.FormatInt(height, 10), nil, nil, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// Verify replays the whole chain. With record set, a broken chain is also
// written into the ledger.
func (c *Client) Verify(ctx context.Context, record bool) (*models.VerificationReport, error) {
	var q url.Values
	if record {
		q = url.Values{"record": {"true"}}
	}
	var report models.VerificationReport
	if err := c.do(ctx, http.MethodGet, "/audit/verify", q, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Detect runs the anomaly heuristics over [start, end).
func (c *Client) Detect(ctx context.Context, start, end time.Time) (*handler.FindingsResponse, error) {
	q := url.Values{
		"start": {start.UTC().Format(time.RFC3339Nano)},
		"end":   {end.UTC().Format(time.RFC3339Nano)},
	}
	return c.detect(ctx, q)
}

// DetectRecent runs the heuristics over the lookback ending at the server's
// current time.
func (c *Client) DetectRecent(ctx context.Context, lookback time.Duration) (*handler.FindingsResponse, error) {
	return c.detect(ctx, url.Values{"lookback": {lookback.String()}})
}

func (c *Client) detect(ctx context.Context, q url.Values) (*handler.FindingsResponse, error) {
	var resp handler.FindingsResponse
	if err := c.do(ctx, http.MethodGet, "/audit/anomalies", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryValues encodes filter in the form handler.ParseQueryFilter reads.
func QueryValues(f models.QueryFilter) url.Values {
	q := url.Values{}
	if f.Start != nil {
		q.Set("start", f.Start.UTC().Format(time.RFC3339Nano))
	}
	if f.End != nil {
		q.Set("end", f.End.UTC().Format(time.RFC3339Nano))
	}
	if f.TenantID != "" {
		q.Set("tenant_id", f.TenantID)
	}
	if f.ActorUserID != "" {
		q.Set("actor_user_id", f.ActorUserID)
	}
	for _, t := range f.EventTypes {
		q.Add("event_type", string(t))
	}
	if f.MinHeight != nil {
		q.Set("min_height", strconv.FormatInt(*f.MinHeight, 10))
	}
	if f.MaxHeight != nil {
		q.Set("max_height", strconv.FormatInt(*f.MaxHeight, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(admin.HeaderName, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "ledger unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "read ledger response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return dErrors.New(dErrors.CodeInternal, fmt.Sprintf("ledger returned %d", status))
	}
	msg := body.ErrorDescription
	if msg == "" {
		msg = fmt.Sprintf("ledger returned %d", status)
	}
	return dErrors.New(dErrors.Code(body.Error), msg)
}
