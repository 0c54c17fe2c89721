// Package backend is the typed HTTP client for the twin backend contract.
// The backend owns all connection and generation state; this client only
// reads and invalidates, never infers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soulsig/twinhub/internal/logging"
	"github.com/soulsig/twinhub/internal/util"
)

// DefaultBaseURLs is the fallback order when no explicit URLs are configured.
var DefaultBaseURLs = []string{
	"http://localhost:3001/api",
}

const defaultTimeout = 30 * time.Second

// Client handles communication with the twin backend.
type Client struct {
	baseURLs   []string
	httpClient *http.Client
	authToken  func() string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs sets the ordered fallback list of backend base URLs.
func WithBaseURLs(urls []string) Option {
	return func(c *Client) {
		if len(urls) > 0 {
			c.baseURLs = urls
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithAuthToken supplies the opaque session token attached to every request.
// A func rather than a value so sign-in/sign-out takes effect immediately.
func WithAuthToken(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.authToken = fn
		}
	}
}

// NewClient creates a new backend client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURLs:   DefaultBaseURLs,
		httpClient: &http.Client{Timeout: defaultTimeout},
		authToken:  func() string { return "" },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthURL requests an authorization URL for (provider, userID).
// An empty URL with a success envelope is a valid degraded response; the
// caller treats it as a soft success.
func (c *Client) AuthURL(ctx context.Context, provider, userID string) (string, error) {
	path := fmt.Sprintf("/connectors/auth/%s?userId=%s", url.PathEscape(provider), url.QueryEscape(userID))
	var data struct {
		AuthURL string `json:"authUrl"`
	}
	if err := c.getJSON(ctx, path, &data); err != nil {
		return "", err
	}
	return strings.TrimSpace(data.AuthURL), nil
}

// Disconnect removes the backend connection record for (provider, userID).
func (c *Client) Disconnect(ctx context.Context, provider, userID string) error {
	path := fmt.Sprintf("/connectors/%s/%s", url.PathEscape(provider), url.PathEscape(userID))
	resp, err := c.doRequestWithFallback(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, nil)
}

// Status fetches the full connection map for a user in one call.
func (c *Client) Status(ctx context.Context, userID string) (StatusMap, error) {
	path := fmt.Sprintf("/connectors/status/%s", url.PathEscape(userID))
	var statuses StatusMap
	if err := c.getJSON(ctx, path, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// ProviderStatus fetches the connection record for a single provider.
// Each provider's endpoint is independently callable and independently
// fail-soft; the status client combines them with settle-all semantics.
func (c *Client) ProviderStatus(ctx context.Context, userID, provider string) (ConnectionStatus, error) {
	path := fmt.Sprintf("/connectors/status/%s/%s", url.PathEscape(userID), url.PathEscape(provider))
	var status ConnectionStatus
	if err := c.getJSON(ctx, path, &status); err != nil {
		return ConnectionStatus{}, err
	}
	return status, nil
}

// CreateTwin creates the twin record for an onboarding run.
func (c *Client) CreateTwin(ctx context.Context, req CreateTwinRequest) (Twin, error) {
	resp, err := c.doRequestWithFallback(ctx, http.MethodPost, "/twins", req)
	if err != nil {
		return Twin{}, err
	}
	defer resp.Body.Close()

	var twin Twin
	if err := decodeEnvelope(resp, &twin); err != nil {
		return Twin{}, err
	}
	return twin, nil
}

// FindTwin looks up an existing twin for the user. Used as the documented
// escape hatch when twin creation fails but a record already exists.
func (c *Client) FindTwin(ctx context.Context, userID string) (Twin, bool, error) {
	path := fmt.Sprintf("/twins?userId=%s", url.QueryEscape(userID))
	var twins []Twin
	if err := c.getJSON(ctx, path, &twins); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return Twin{}, false, nil
		}
		return Twin{}, false, err
	}
	if len(twins) == 0 {
		return Twin{}, false, nil
	}
	return twins[0], true, nil
}

// Progress fetches the current generation progress record for a twin.
func (c *Client) Progress(ctx context.Context, twinID string) (ProgressRecord, error) {
	path := fmt.Sprintf("/twins/%s/progress", url.PathEscape(twinID))
	var record ProgressRecord
	if err := c.getJSON(ctx, path, &record); err != nil {
		return ProgressRecord{}, err
	}
	return record, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.doRequestWithFallback(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

// doRequestWithFallback tries all base URLs, falling back on network errors,
// 429 and 5xx. Other 4xx responses are returned immediately.
func (c *Client) doRequestWithFallback(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for i, baseURL := range c.baseURLs {
		resp, err := c.doRequest(ctx, method, strings.TrimRight(baseURL, "/")+path, payload)
		if err != nil {
			lastErr = err
			log.Printf("[backend] endpoint %d (%s) failed: %v", i+1, baseURL, err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			log.Printf("[backend] endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			lastErr = fmt.Errorf("endpoint %d returned %d", i+1, resp.StatusCode)
			continue
		}

		if i > 0 {
			log.Printf("[backend] fallback to endpoint %d succeeded", i+1)
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil // caller surfaces the error body
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, method, rawURL string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)

		if util.IsVerbose() {
			log.Printf("[backend] [VERBOSE] %s %s payload: %s", method, rawURL, util.TruncateBytes(jsonData))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := c.authToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if reqID := logging.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// decodeEnvelope reads a response, surfacing non-2xx and success=false as
// *APIError and unmarshaling data into out when provided.
func decodeEnvelope(resp *http.Response, out interface{}) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			RetryAfter: ParseRetryDelay(resp),
		}
		var env envelope
		if json.Unmarshal(bodyBytes, &env) == nil && env.Error.Message != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	// Array payloads (e.g. twin lookups) are never enveloped.
	if trimmed := bytes.TrimSpace(bodyBytes); len(trimmed) > 0 && trimmed[0] == '[' {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("malformed backend response: %w", err)
		}
		return nil
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return fmt.Errorf("malformed backend response: %w", err)
	}

	// Plain payloads without an envelope decode with Success=false and no
	// error body; treat those as raw data.
	if !env.Success && env.Error.Message == "" && env.Data == nil {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("malformed backend response: %w", err)
		}
		return nil
	}

	if !env.Success {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    env.Error.Code,
			Message: env.Error.Message,
		}
	}

	if out == nil || env.Data == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("malformed backend data: %w", err)
	}
	return nil
}
