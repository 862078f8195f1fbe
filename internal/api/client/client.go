// Package client talks to the coordinator API on behalf of worker
// processes. It satisfies the queue, progress and reference interfaces the
// workers depend on, mapping error codes back onto store sentinels.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/api"
	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const defaultTimeout = 30 * time.Second

// Config controls the coordinator client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an HTTP client for the coordinator.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

// APIError is a non-2xx response that maps onto no sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("coordinator url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse coordinator url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, apiKey: cfg.APIKey, http: httpClient, logger: logger.Named("coordinator")}, nil
}

// ClaimNext claims a batch for workerID. It returns nil when nothing
// qualifies.
func (c *Client) ClaimNext(ctx context.Context, workerID string) (*crawler.Batch, error) {
	q := url.Values{"worker_id": {workerID}}
	var batch crawler.Batch
	status, err := c.do(ctx, http.MethodGet, "/api/batches/pending", q, nil, &batch)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &batch, nil
}

// RenewLease heartbeats a held batch. A lost lease yields store.ErrLeaseLost.
func (c *Client) RenewLease(ctx context.Context, batchID int64, workerID string) error {
	path := batchPath(batchID, "heartbeat")
	if _, err := c.do(ctx, http.MethodPost, path, nil, api.WorkerRequest{WorkerID: workerID}, nil); err != nil {
		return fmt.Errorf("renew lease for batch %d: %w", batchID, err)
	}
	return nil
}

// Complete finishes a batch held by workerID.
func (c *Client) Complete(ctx context.Context, batchID int64, workerID string) error {
	path := batchPath(batchID, "complete")
	if _, err := c.do(ctx, http.MethodPost, path, nil, api.CompleteBatchRequest{WorkerID: workerID}, nil); err != nil {
		return fmt.Errorf("complete batch %d: %w", batchID, err)
	}
	return nil
}

// ReportProgress writes in-flight pointers for a held batch.
func (c *Client) ReportProgress(ctx context.Context, progress crawler.BatchProgress) error {
	path := batchPath(progress.BatchID, "progress")
	if _, err := c.do(ctx, http.MethodPost, path, nil, progress, nil); err != nil {
		return fmt.Errorf("report progress for batch %d: %w", progress.BatchID, err)
	}
	return nil
}

// InsertCandidate submits a discovered stub.
func (c *Client) InsertCandidate(
	ctx context.Context,
	stub crawler.Stub,
	target crawler.Target,
	categoryID, batchID int64,
) (crawler.InsertResult, error) {
	candidate := crawler.Candidate{
		SourceLink: crawler.SourceLink(target.URL, stub.Link),
		County:     stub.County,
		TargetID:   target.ID,
		CategoryID: categoryID,
		BatchID:    batchID,
	}
	var res crawler.InsertResult
	if _, err := c.do(ctx, http.MethodPost, "/api/records", nil, candidate, &res); err != nil {
		return crawler.InsertResult{}, fmt.Errorf("insert record %s: %w", candidate.SourceLink, err)
	}
	return res, nil
}

// NextPending fetches up to limit pending records with id > afterID.
func (c *Client) NextPending(ctx context.Context, afterID int64, limit int) ([]crawler.Record, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	var out api.PendingRecordsResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/records", q, nil, &out); err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return out.Records, nil
}

// CompleteRecord stores enrichment for a record. Unknown ids yield
// store.ErrNotFound.
func (c *Client) CompleteRecord(ctx context.Context, id int64, enrichment crawler.Enrichment) error {
	path := "/api/records/" + strconv.FormatInt(id, 10) + "/complete"
	if _, err := c.do(ctx, http.MethodPut, path, nil, enrichment, nil); err != nil {
		return fmt.Errorf("complete record %d: %w", id, err)
	}
	return nil
}

// Reference fetches the full reference snapshot.
func (c *Client) Reference(ctx context.Context) (crawler.ReferenceSnapshot, error) {
	var snap crawler.ReferenceSnapshot
	if _, err := c.do(ctx, http.MethodGet, "/api/reference", nil, nil, &snap); err != nil {
		return crawler.ReferenceSnapshot{}, fmt.Errorf("fetch reference: %w", err)
	}
	return snap, nil
}

// Revision fetches the reference revision.
func (c *Client) Revision(ctx context.Context) (int64, error) {
	var out api.RevisionResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/reference/revision", nil, nil, &out); err != nil {
		return 0, fmt.Errorf("fetch revision: %w", err)
	}
	return out.Revision, nil
}

// ScriptEnabled reads the run flag.
func (c *Client) ScriptEnabled(ctx context.Context) (bool, error) {
	var out api.SettingsResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/settings", nil, nil, &out); err != nil {
		return false, fmt.Errorf("fetch settings: %w", err)
	}
	return out.ScriptEnabled, nil
}

// Records adapts the client to the enrichment worker's record interface.
func (c *Client) Records() RecordClient {
	return RecordClient{c: c}
}

// RecordClient exposes record completion as Complete.
type RecordClient struct {
	c *Client
}

// NextPending fetches up to limit pending records with id > afterID.
func (r RecordClient) NextPending(ctx context.Context, afterID int64, limit int) ([]crawler.Record, error) {
	return r.c.NextPending(ctx, afterID, limit)
}

// Complete stores enrichment for a record.
func (r RecordClient) Complete(ctx context.Context, id int64, enrichment crawler.Enrichment) error {
	return r.c.CompleteRecord(ctx, id, enrichment)
}

func batchPath(id int64, action string) string {
	return "/api/batches/" + strconv.FormatInt(id, 10) + "/" + action
}

// do sends one request and decodes a 2xx body into out when present.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		err := decodeError(resp)
		c.logger.Debug("coordinator request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return resp.StatusCode, err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	apiErr := &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	switch body.Code {
	case api.CodeNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, apiErr.Message)
	case api.CodeLeaseLost:
		return fmt.Errorf("%w: %s", store.ErrLeaseLost, apiErr.Message)
	case api.CodeConflict:
		return fmt.Errorf("%w: %s", store.ErrConflict, apiErr.Message)
	case api.CodeInvalidTransition:
		return fmt.Errorf("%w: %s", store.ErrInvalidTransition, apiErr.Message)
	}
	return apiErr
}
