package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	Health().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("body = %q", got)
	}
}

func TestHistoryValidation(t *testing.T) {
	// History validates its inputs before it ever touches the store.
	router := chi.NewRouter()
	router.Get("/api/protocols/{name}/history", History(nil))

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{
			name:       "bad from",
			target:     "/api/protocols/Aave/history?from=yesterday",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad to",
			target:     "/api/protocols/Aave/history?to=not-a-time",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "1700000000", want: time.Unix(1700000000, 0).UTC()},
		{input: "2025-08-01T12:30:00Z", want: time.Date(2025, 8, 1, 12, 30, 0, 0, time.UTC)},
		{input: "2025-08-01", want: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)},
		{input: "yesterday", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTime(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTime(%q) expected error, got %v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTime(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
