package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"marketrails/internal/idempotency"
	"marketrails/internal/sigauth"
)

const headerIdempotencyKey = sigauth.HeaderIdempotencyKey

// inflight tracks idempotency keys whose first request is still running.
type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{keys: make(map[string]struct{})}
}

func (f *inflight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

// recorder captures the response so it can be replayed.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// idempotent requires an X-Idempotency-Key on signed writes, replays the
// stored response for a repeated request and rejects a key reused for a
// different one. Keys are scoped to the caller.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if raw == "" {
			writeBadRequest(w, "missing "+headerIdempotencyKey+" header")
			return
		}
		caller, _ := sigauth.CallerFrom(r.Context())
		key := idempotency.Key(caller, raw)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeBadRequest(w, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		if !s.inflight.acquire(key) {
			s.metrics.incIdempotency("in_flight")
			writeJSON(w, http.StatusConflict, errorBody{Error: "IdempotencyConflict", Message: "request with this key is in progress"})
			return
		}
		defer s.inflight.release(key)

		// Lookup runs under the in-flight claim on the key.
		ctx := r.Context()
		existing, err := idempotency.Lookup(ctx, s.deps.Idempotency, key, fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrConflict):
			s.metrics.incIdempotency("conflict")
			writeJSON(w, http.StatusConflict, errorBody{Error: "IdempotencyConflict", Message: err.Error()})
			return
		case err != nil:
			s.logger.Error("idempotency lookup failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal", Message: "internal error"})
			return
		case existing != nil:
			s.metrics.incIdempotency("replayed")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError || rec.status == 0 {
			return
		}
		now := time.Now()
		record := idempotency.Record{
			Fingerprint: fingerprint,
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.deps.Idempotency.Save(ctx, key, record); err != nil {
			s.logger.Error("idempotency save failed", "error", err)
			return
		}
		s.metrics.incIdempotency("stored")
	})
}
