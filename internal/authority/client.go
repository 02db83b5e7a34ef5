// Package authority implements the HTTP client for the government e-invoice
// clearing system.
package authority

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
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Config controls timeouts and client-side protection for authority calls.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimit      int // requests per minute
	RateBurst      int
	BreakerEnabled bool
	BreakerTrip    uint32
}

// Client talks to the authority API. Submission credentials are per company,
// so the API key is passed per call rather than held on the client.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// SubmitResult is the authority's acknowledgement of a transmitted invoice.
type SubmitResult struct {
	AuthorityID string `json:"salesInvoiceId"`
	Status      string `json:"status"`
}

func New(cfg Config) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit)/60, cfg.RateBurst),
	}
	if cfg.BreakerEnabled {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "authority",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerTrip
			},
			IsSuccessful: func(err error) bool {
				// Only transport and 5xx failures count against the breaker;
				// rejections of document content are healthy responses.
				var nerr *NetworkError
				var serr *ServerError
				return err == nil || (!errors.As(err, &nerr) && !errors.As(err, &serr))
			},
		})
	}
	return c
}

// Submit transmits an invoice document to the authority.
func (c *Client) Submit(ctx context.Context, apiKey string, document []byte) (SubmitResult, error) {
	var out SubmitResult
	err := c.do(ctx, http.MethodPost, "/api/publicApi/sales-invoice/ubl", apiKey, document, &out)
	if err != nil {
		return SubmitResult{}, err
	}
	return out, nil
}

// Cancel requests cancellation of a previously submitted invoice.
func (c *Client) Cancel(ctx context.Context, apiKey, authorityID, reason string) (string, error) {
	path := "/api/publicApi/sales-invoice/cancel?invoiceId=" + url.QueryEscape(authorityID)
	body, err := json.Marshal(map[string]string{"cancelComment": reason})
	if err != nil {
		return "", fmt.Errorf("marshal cancel request: %w", err)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, path, apiKey, body, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// GetStatus polls the authority for the current status of an invoice.
func (c *Client) GetStatus(ctx context.Context, apiKey, authorityID string) (string, error) {
	path := "/api/publicApi/sales-invoice?invoiceId=" + url.QueryEscape(authorityID)
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, path, apiKey, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &NetworkError{Err: err}
	}
	call := func() error { return c.roundTrip(ctx, method, path, apiKey, body, out) }
	if c.breaker == nil {
		return call()
	}
	_, err := c.breaker.Execute(func() (any, error) { return nil, call() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &NetworkError{Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, apiKey string, body []byte, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("ApiKey", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classify(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp), Body: string(raw)}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode, Body: string(raw)}
	default:
		return &ValidationError{StatusCode: resp.StatusCode, Details: rejectionDetails(raw)}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// rejectionDetails pulls structured messages out of an error body, falling
// back to the raw text.
func rejectionDetails(raw []byte) []string {
	var parsed struct {
		Message string   `json:"Message"`
		Errors  []string `json:"Errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		details := make([]string, 0, len(parsed.Errors)+1)
		if parsed.Message != "" {
			details = append(details, parsed.Message)
		}
		details = append(details, parsed.Errors...)
		if len(details) > 0 {
			return details
		}
	}
	if len(raw) == 0 {
		return []string{"rejected without detail"}
	}
	return []string{string(raw)}
}
