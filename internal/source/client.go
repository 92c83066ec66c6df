package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const maxBodySize = 32 << 20 // the /protocols listing runs to several MB

// Client fetches raw JSON payloads from the DeFi Llama API. Requests are
// spaced at least delay apart so the upstream is never hammered, no matter
// how many goroutines share the client.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	delay     time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewClient(baseURL, userAgent string, delay time.Duration) *Client {
	return &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		baseURL:   baseURL,
		userAgent: userAgent,
		delay:     delay,
	}
}

// Protocols fetches the full protocol listing.
func (c *Client) Protocols(ctx context.Context) ([]byte, error) {
	return c.Get(ctx, c.baseURL+"/protocols")
}

// ProtocolHistory fetches the historical TVL series for one protocol slug.
func (c *Client) ProtocolHistory(ctx context.Context, slug string) ([]byte, error) {
	return c.Get(ctx, c.baseURL+"/protocol/"+url.PathEscape(slug))
}

// Get fetches a fully-qualified URL and returns the raw body. Network and
// 5xx/429 failures come back as *TransientError, other 4xx responses as
// *PermanentError.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.waitTurn(ctx); err != nil {
		return nil, &TransientError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &PermanentError{URL: rawURL, Status: resp.StatusCode}
	default:
		return nil, &TransientError{URL: rawURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransientError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// waitTurn blocks until at least delay has passed since the previous request.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	next := c.last.Add(c.delay)
	now := time.Now()
	if next.After(now) {
		c.last = next
	} else {
		c.last = now
	}
	wait := time.Until(c.last)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
