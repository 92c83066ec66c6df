package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server, delay time.Duration) *Client {
	c := NewClient(srv.URL, "test-agent", delay)
	c.http = srv.Client()
	return c
}

func TestGetOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "test-agent" {
			t.Errorf("User-Agent = %q, want %q", got, "test-agent")
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestGetPermanentOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	_, err := c.Get(context.Background(), srv.URL)

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PermanentError", err)
	}
	if pe.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", pe.Status)
	}
	if IsTransient(err) {
		t.Error("404 should not be transient")
	}
}

func TestGetTransientOn500And429(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "later", status)
		}))

		c := newTestClient(srv, 0)
		_, err := c.Get(context.Background(), srv.URL)
		if !IsTransient(err) {
			t.Errorf("status %d: err = %v, want transient", status, err)
		}
		srv.Close()
	}
}

func TestGetTransientOnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "test-agent", 0)
	_, err := c.Get(context.Background(), srv.URL)
	if !IsTransient(err) {
		t.Errorf("network error should be transient, got %v", err)
	}
}

func TestRequestSpacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, srv.URL); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	// First call is free, the next two each wait 50ms.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("3 calls took %v, want >= 100ms of spacing", elapsed)
	}
}

func TestProtocolsEndpoint(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	if _, err := c.Protocols(context.Background()); err != nil {
		t.Fatalf("Protocols: %v", err)
	}
	if p := gotPath.Load(); p != "/protocols" {
		t.Errorf("path = %v, want /protocols", p)
	}

	if _, err := c.ProtocolHistory(context.Background(), "aave"); err != nil {
		t.Fatalf("ProtocolHistory: %v", err)
	}
	if p := gotPath.Load(); p != "/protocol/aave" {
		t.Errorf("path = %v, want /protocol/aave", p)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return &PermanentError{URL: "u", Status: 400}
	})
	if err == nil {
		t.Fatal("want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
}

func TestRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &TransientError{URL: "u", Err: errors.New("flaky")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &TransientError{URL: "u", Err: errors.New("always down")}
	})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
