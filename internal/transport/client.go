// Package transport implements the REST transport collaborator: batch
// upload of data entries, multipart upload of file entries, and byte
// download for the download strategies.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/marcus/syncd/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-2xx server response. Temporary distinguishes server
// errors (5xx, retryable) from rejections (4xx, terminal for the payload).
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Temporary reports whether the failure is worth retrying as-is.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500
}

// IsRejection reports whether err is a terminal 4xx server rejection:
// the payload itself was refused and resending it unchanged cannot succeed.
func IsRejection(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}

// Client talks to the sync server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a transport client. Timeouts are supplied per call through
// the context; the embedded client carries no timeout of its own.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{},
	}
}

// --- Batch types ---

// BatchEntry is a single mutation in an upload request.
type BatchEntry struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  string          `json:"created_at"`
}

// BatchRequest is the body for POST /sync/batch.
type BatchRequest struct {
	DeviceID string       `json:"device_id,omitempty"`
	Entries  []BatchEntry `json:"entries"`
}

// BatchResponse reports per-entry outcome. Failed maps log entry ID to the
// server's reason; entries absent from Failed were accepted.
type BatchResponse struct {
	Accepted int               `json:"accepted"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func toBatchEntries(entries []models.LogEntry) []BatchEntry {
	out := make([]BatchEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, BatchEntry{
			ID:         e.ID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Operation:  string(e.Operation),
			Payload:    e.Payload,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

// SendData uploads a batch of structured data entries.
func (c *Client) SendData(ctx context.Context, entries []models.LogEntry) (*BatchResponse, error) {
	req := BatchRequest{DeviceID: c.DeviceID, Entries: toBatchEntries(entries)}
	var resp BatchResponse
	if err := c.do(ctx, "POST", "/sync/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendFiles uploads a batch of file entries as multipart form data: a
// "manifest" part describing the batch, then one part per entry carrying
// its payload, named by log entry ID.
func (c *Client) SendFiles(ctx context.Context, entries []models.LogEntry) (*BatchResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	manifest, err := json.Marshal(BatchRequest{DeviceID: c.DeviceID, Entries: toBatchEntries(entries)})
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := w.WriteField("manifest", string(manifest)); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	for _, e := range entries {
		part, err := w.CreateFormFile(e.ID, e.EntityID)
		if err != nil {
			return nil, fmt.Errorf("create part %s: %w", e.ID, err)
		}
		if _, err := part.Write(e.Payload); err != nil {
			return nil, fmt.Errorf("write part %s: %w", e.ID, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/sync/files", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuth(httpReq)

	var resp BatchResponse
	if err := c.roundTrip(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches bytes from a strategy's endpoint. since, when non-nil,
// requests an incremental window starting at the given checkpoint.
func (c *Client) Download(ctx context.Context, path string, since *time.Time) ([]byte, error) {
	u := c.BaseURL + path
	if since != nil {
		params := url.Values{}
		params.Set("since", since.UTC().Format(time.RFC3339Nano))
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// HealthCheck hits /healthz to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) setAuth(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	return c.roundTrip(req, result)
}

func (c *Client) roundTrip(req *http.Request, result any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, string(respBody))
		}
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func statusError(code int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return &StatusError{Code: code, Reason: apiErr.Message}
	}
	return &StatusError{Code: code, Reason: string(body)}
}
