package tillsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EntityDelta carries one entity class's changes since a cursor.
type EntityDelta struct {
	Records    []map[string]any `json:"records"`
	DeletedIDs []int64          `json:"deleted_ids"`
}

// DeltaResult is the payload of a delta fetch: per-entity changes plus
// the server cursor covering them.
type DeltaResult struct {
	Changes  map[EntityType]EntityDelta `json:"changes"`
	SyncDate SyncCursor                 `json:"-"`
}

// BulkStart is the opening handshake of a full sync: the small
// reference entities come down in one shot before products are paged.
type BulkStart struct {
	Metadata map[EntityType][]map[string]any `json:"metadata"`
}

// BulkPlan announces how many product batches a full sync will need.
type BulkPlan struct {
	BatchesNeeded int `json:"batches_needed"`
	TotalProducts int `json:"total_products"`
}

// BackupUploadResult reports per-token outcomes of a backup upload.
// Duplicates were already known to the remote authority and count as
// delivered.
type BackupUploadResult struct {
	Success    []string `json:"success"`
	Failed     []string `json:"failed"`
	Duplicates []string `json:"duplicates"`
}

// RemoteClient talks to the remote catalog authority. Implementations
// classify failures: transient errors are retried by callers at the
// normal cadence, structural errors signal that the richer endpoint is
// unavailable and a narrower one should be used instead.
type RemoteClient interface {
	// CheckSyncRequired asks whether any changes exist past the cursor.
	CheckSyncRequired(ctx context.Context, cursor SyncCursor) (bool, error)

	// DeltaAll fetches changes to every entity class since the cursor.
	DeltaAll(ctx context.Context, cursor SyncCursor) (*DeltaResult, error)

	// DeltaProducts fetches product changes only. Used as the downgrade
	// path when DeltaAll fails structurally.
	DeltaProducts(ctx context.Context, cursor SyncCursor) (*DeltaResult, error)

	// StartBulkSync opens a full sync and returns the reference
	// entities that products depend on.
	StartBulkSync(ctx context.Context) (*BulkStart, error)

	// PlanProductBatches sizes the product download.
	PlanProductBatches(ctx context.Context, batchSize int) (*BulkPlan, error)

	// FetchProductBatch downloads one page of products.
	FetchProductBatch(ctx context.Context, batch, batchSize int) ([]map[string]any, error)

	// CompleteBulkSync finalizes a full sync and returns the cursor
	// covering everything downloaded.
	CompleteBulkSync(ctx context.Context) (SyncCursor, error)

	// UploadBackups delivers order backups and reports per-token fates.
	UploadBackups(ctx context.Context, backups []BackupRecord) (*BackupUploadResult, error)
}

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClientConfig configures the HTTP remote client.
type HTTPClientConfig struct {
	// BaseURL is the remote authority endpoint, without trailing slash.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// Retry controls transient failure retries.
	Retry RetryConfig

	// Compress gzips request bodies. Default behavior is off; bulk
	// upload payloads benefit most.
	Compress bool
}

// HTTPClient implements RemoteClient over JSON POST endpoints.
type HTTPClient struct {
	config  HTTPClientConfig
	client  HTTPDoer
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewHTTPClient creates a remote client for the given endpoint.
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	retry := config.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}
	retry.RetryIf = IsRetryable
	return &HTTPClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		retryer: NewRetryer(retry),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

// SetHTTPDoer replaces the underlying HTTP client. Used in tests.
func (c *HTTPClient) SetHTTPDoer(doer HTTPDoer) {
	c.client = doer
}

// rpcEnvelope is the response wrapper used by every endpoint.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// call posts params to a procedure and decodes the result envelope,
// retrying transient failures through the circuit breaker.
func (c *HTTPClient) call(ctx context.Context, procedure string, params any, out any) error {
	body, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", procedure, err)
	}

	result := c.retryer.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			return c.callOnce(ctx, procedure, body, out)
		})
	})
	return result.LastErr
}

func (c *HTTPClient) callOnce(ctx context.Context, procedure string, body []byte, out any) error {
	var reqBody io.Reader = bytes.NewReader(body)
	compressed := false
	if c.config.Compress && len(body) > 1024 {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err == nil && zw.Close() == nil {
			reqBody = &buf
			compressed = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/pos_sync/"+procedure, reqBody)
	if err != nil {
		return newSyncError(SyncErrorUnknown, procedure, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return newSyncError(SyncErrorTransient, procedure, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		return newSyncError(SyncErrorStructural, procedure, fmt.Sprintf("endpoint unavailable (status %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return newSyncError(SyncErrorTransient, procedure, fmt.Sprintf("server error (status %d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return newSyncError(SyncErrorRejected, procedure, fmt.Sprintf("rejected (status %d)", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newSyncError(SyncErrorTransient, procedure, "failed to read response", err)
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return newSyncError(SyncErrorRejected, procedure, "malformed response", err)
	}
	if envelope.Error != nil {
		return newSyncError(SyncErrorRejected, procedure, envelope.Error.Message, nil)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return newSyncError(SyncErrorRejected, procedure, "malformed result", err)
		}
	}
	return nil
}

// CheckSyncRequired asks whether changes exist past the cursor.
func (c *HTTPClient) CheckSyncRequired(ctx context.Context, cursor SyncCursor) (bool, error) {
	var out struct {
		Required bool `json:"required"`
	}
	err := c.call(ctx, "check_sync_required", map[string]any{
		"last_sync_date": cursor.String(),
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Required, nil
}

// deltaPayload is the wire form of a delta response.
type deltaPayload struct {
	Changes  map[string]EntityDelta `json:"changes"`
	SyncDate string                 `json:"sync_date"`
}

func (c *HTTPClient) delta(ctx context.Context, procedure string, cursor SyncCursor) (*DeltaResult, error) {
	if cursor.IsZero() {
		return nil, ErrNilCursor
	}
	var out deltaPayload
	err := c.call(ctx, procedure, map[string]any{
		"last_sync_date": cursor.String(),
	}, &out)
	if err != nil {
		return nil, err
	}
	syncDate, err := ParseCursor(out.SyncDate)
	if err != nil {
		return nil, newSyncError(SyncErrorRejected, procedure, "invalid sync date", err)
	}
	result := &DeltaResult{
		Changes:  make(map[EntityType]EntityDelta, len(out.Changes)),
		SyncDate: syncDate,
	}
	for model, delta := range out.Changes {
		result.Changes[EntityType(model)] = delta
	}
	return result, nil
}

// DeltaAll fetches changes to every entity class since the cursor.
func (c *HTTPClient) DeltaAll(ctx context.Context, cursor SyncCursor) (*DeltaResult, error) {
	return c.delta(ctx, "sync_all_models_since", cursor)
}

// DeltaProducts fetches product changes only.
func (c *HTTPClient) DeltaProducts(ctx context.Context, cursor SyncCursor) (*DeltaResult, error) {
	return c.delta(ctx, "sync_products_since", cursor)
}

// StartBulkSync opens a full sync.
func (c *HTTPClient) StartBulkSync(ctx context.Context) (*BulkStart, error) {
	var out struct {
		Metadata map[string][]map[string]any `json:"metadata"`
	}
	if err := c.call(ctx, "start_manual_sync", map[string]any{}, &out); err != nil {
		return nil, err
	}
	start := &BulkStart{Metadata: make(map[EntityType][]map[string]any, len(out.Metadata))}
	for model, recs := range out.Metadata {
		start.Metadata[EntityType(model)] = recs
	}
	return start, nil
}

// PlanProductBatches sizes the product download.
func (c *HTTPClient) PlanProductBatches(ctx context.Context, batchSize int) (*BulkPlan, error) {
	var out BulkPlan
	err := c.call(ctx, "manual_sync_products", map[string]any{
		"batch_size": batchSize,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchProductBatch downloads one page of products.
func (c *HTTPClient) FetchProductBatch(ctx context.Context, batch, batchSize int) ([]map[string]any, error) {
	var out struct {
		Records []map[string]any `json:"records"`
	}
	err := c.call(ctx, "get_sync_batch", map[string]any{
		"batch":      batch,
		"batch_size": batchSize,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Records, nil
}

// CompleteBulkSync finalizes a full sync.
func (c *HTTPClient) CompleteBulkSync(ctx context.Context) (SyncCursor, error) {
	var out struct {
		SyncDate string `json:"sync_date"`
	}
	if err := c.call(ctx, "complete_manual_sync", map[string]any{}, &out); err != nil {
		return SyncCursor{}, err
	}
	return ParseCursor(out.SyncDate)
}

// UploadBackups delivers order backups to the remote authority.
func (c *HTTPClient) UploadBackups(ctx context.Context, backups []BackupRecord) (*BackupUploadResult, error) {
	payload := make([]map[string]any, 0, len(backups))
	for _, b := range backups {
		payload = append(payload, map[string]any{
			"access_token": b.AccessToken,
			"order":        json.RawMessage(b.Payload),
			"receipt":      b.Receipt,
			"created_at":   b.CreatedAt.UTC().Format(TimeLayout),
		})
	}
	var out BackupUploadResult
	err := c.call(ctx, "backup_orders", map[string]any{
		"orders": payload,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
