package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llamatrack/llamatrack/internal/store"
)

func ListProtocols(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Query(r.Context(), store.QueryFilter{
			Chain:    r.URL.Query().Get("chain"),
			Category: r.URL.Query().Get("category"),
		})
		if err != nil {
			http.Error(w, `{"error":"failed to list protocols"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}
}

func GetProtocol(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil || name == "" {
			http.Error(w, `{"error":"protocol name required"}`, http.StatusBadRequest)
			return
		}

		snap, err := s.GetSnapshot(r.Context(), name)
		if err != nil {
			http.Error(w, `{"error":"failed to load protocol"}`, http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, `{"error":"protocol not found"}`, http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

func History(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil || name == "" {
			http.Error(w, `{"error":"protocol name required"}`, http.StatusBadRequest)
			return
		}

		from, ok := parseTimeParam(w, r, "from")
		if !ok {
			return
		}
		to, ok := parseTimeParam(w, r, "to")
		if !ok {
			return
		}

		points, err := s.ListHistory(r.Context(), name, from, to)
		if err != nil {
			http.Error(w, `{"error":"failed to load history"}`, http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []store.HistoryPoint{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(points)
	}
}

func Summary(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := s.Summarize(r.Context())
		if err != nil {
			http.Error(w, `{"error":"failed to summarize"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sum)
	}
}

// parseTimeParam reads an optional RFC 3339 or unix-seconds query param.
// On a malformed value it writes a 400 and reports false.
func parseTimeParam(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := ParseTime(raw)
	if err != nil {
		http.Error(w, `{"error":"invalid `+key+` timestamp"}`, http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}
