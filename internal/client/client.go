// Package client is the reader-side half of the view counter: an HTTP client
// for the view API, the client cooldown guard with its persisted marks, a
// lazily dialled live connection, and Viewer, which ties them together the
// way a page does when it is opened.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/go-view-counter/internal/domain"
)

// ErrUnavailable reports that the count could not be obtained. Callers must
// render it as unknown, never as zero.
var ErrUnavailable = errors.New("view count unavailable")

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status    int
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("views api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps 5xx and 429 responses onto ErrUnavailable.
func (e *APIError) Unwrap() error {
	if e.Status >= 500 || e.Status == http.StatusTooManyRequests {
		return ErrUnavailable
	}
	return nil
}

// Client talks to the view API rooted at BaseURL (for example
// "http://localhost:8080/api/v1").
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a Client with a 5s request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// GetCount returns the count of slug. Unknown slugs read as 0.
func (c *Client) GetCount(ctx context.Context, slug string) (int64, error) {
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return 0, err
	}
	var out struct {
		ViewCount int64 `json:"view_count"`
	}
	if err := c.do(ctx, http.MethodGet, "/views/"+url.PathEscape(slug), nil, &out); err != nil {
		return 0, err
	}
	return out.ViewCount, nil
}

// GetCounts returns counts for slugs in one request.
func (c *Client) GetCounts(ctx context.Context, slugs []string) (map[string]int64, error) {
	for _, s := range slugs {
		if _, err := domain.ValidateSlug(s); err != nil {
			return nil, fmt.Errorf("%w: %q", err, s)
		}
	}
	out := map[string]int64{}
	if len(slugs) == 0 {
		return out, nil
	}
	q := url.Values{"slugs": {strings.Join(slugs, ",")}}
	if err := c.do(ctx, http.MethodGet, "/views?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Increment records a view of slug. key, when not empty, is sent as the
// Idempotency-Key so a retried call is replayed instead of counted twice.
func (c *Client) Increment(ctx context.Context, slug, key string) (domain.IncrementResult, error) {
	var res domain.IncrementResult
	slug, err := domain.ValidateSlug(slug)
	if err != nil {
		return res, err
	}
	hdr := http.Header{}
	if key != "" {
		hdr.Set("Idempotency-Key", key)
	}
	err = c.do(ctx, http.MethodPost, "/views/"+url.PathEscape(slug), hdr, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	for k, vv := range hdr {
		req.Header[k] = vv
	}
	req.Header.Set("Accept", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}
	return nil
}
