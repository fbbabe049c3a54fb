package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

// CreditHeader is the provider-supplied rate/credit header captured from
// every response for operational display.
const CreditHeader = "X-Credits-Remaining"

// Options controls how the StyleEngine client is configured.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	// RetryMax caps the total number of attempts per call.
	RetryMax int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	Logger    zerolog.Logger
}

// Client wraps the StyleEngine HTTP API. Transient failures (no response,
// 5xx, 429) are retried with exponential backoff; any other 4xx is terminal
// and never retried.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retryMax   int
	retryBase  time.Duration
	logger     zerolog.Logger
	credits    *CreditCache
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.styleengine.ai/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = 4
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		retryMax:   retryMax,
		retryBase:  retryBase,
		logger:     opts.Logger,
		credits:    &CreditCache{},
	}
}

// Configured reports whether the client holds credentials for real calls.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Credits exposes the last-known credit cache for the observability
// endpoint. Never consulted for correctness.
func (c *Client) Credits() *CreditCache {
	return c.credits
}

// postJSON issues a JSON request and decodes the enveloped result.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (*styleResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("styleengine: encode request: %w", err)
	}
	return c.do(ctx, path, "application/json", func() io.Reader { return bytes.NewReader(body) })
}

// postForm issues a form-encoded request, the wire variant some endpoints
// require.
func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*styleResult, error) {
	encoded := form.Encode()
	return c.do(ctx, path, "application/x-www-form-urlencoded", func() io.Reader { return strings.NewReader(encoded) })
}

func (c *Client) do(ctx context.Context, path, contentType string, body func() io.Reader) (*styleResult, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: STYLE_ENGINE_API_KEY is not set", domain.ErrServiceUnavailable)
	}

	endpoint := c.baseURL + path
	var lastErr error
	for attempt := 1; attempt <= c.retryMax; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			c.logger.Debug().Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("styleengine: retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// No response; network-level failure is retryable.
			lastErr = fmt.Errorf("%w: %v", domain.ErrProviderTransient, err)
			continue
		}

		result, err := c.handleResponse(resp)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, domain.ErrProviderTransient) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("styleengine: %d attempts exhausted: %w", c.retryMax, lastErr)
}

func (c *Client) handleResponse(resp *http.Response) (*styleResult, error) {
	defer resp.Body.Close()

	// Cache write is best-effort and must never fail the primary call.
	c.credits.Observe(resp.Header.Get(CreditHeader))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrProviderTransient, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http %d: %s", domain.ErrProviderTransient, resp.StatusCode, errorMessage(data))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: http %d: %s", domain.ErrProviderTerminal, resp.StatusCode, errorMessage(data))
	}

	var result styleResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrProviderTerminal, err)
	}
	return &result, nil
}

// backoff returns the delay before the (completed+1)-th attempt: base
// doubled per completed attempt.
func (c *Client) backoff(completed int) time.Duration {
	d := c.retryBase
	for i := 1; i < completed; i++ {
		d *= 2
	}
	return d
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		trimmed = "no body"
	}
	return trimmed
}
