package idempotency

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
)

// Request headers consumed by the middleware.
const (
	KeyHeader    = "Idempotency-Key"
	TenantHeader = "X-Tenant-ID"
	ReplayHeader = "Idempotency-Replay"
)

// Middleware guards mutation routes. Requests without a key pass through
// untouched; requests with one are replayed, rejected, or recorded.
type Middleware struct {
	ledger  *Ledger
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewMiddleware wires the ledger into an HTTP middleware.
func NewMiddleware(ledger *Ledger, logger *slog.Logger, metrics *telemetry.Metrics) *Middleware {
	return &Middleware{ledger: ledger, logger: logger, metrics: metrics}
}

// Handler wraps next with the replay-or-proceed protocol.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(KeyHeader)
		if key == "" || !mutates(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			tenant = "default"
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := HashBody(body)

		outcome, err := m.ledger.Begin(r.Context(), tenant, key, r.Method, r.URL.Path, hash)
		if errors.Is(err, ErrKeyConflict) {
			m.metrics.IdemConflicts.Inc()
			http.Error(w, "idempotency key reused with a different request body", http.StatusUnprocessableEntity)
			return
		}
		if err != nil {
			m.logger.Error("idempotency lookup failed", slog.String("tenant_id", tenant), slog.Any("error", err))
			http.Error(w, "idempotency check failed", http.StatusInternalServerError)
			return
		}
		if outcome.Replay {
			m.metrics.IdemReplays.Inc()
			w.Header().Set(ReplayHeader, "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(outcome.Status)
			_, _ = w.Write(outcome.Body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Server errors are not snapshotted: the record stays open so the
		// client's retry re-executes instead of replaying the failure.
		if rec.status >= http.StatusInternalServerError {
			return
		}
		// The side effect already happened; a failure here only loses
		// replay protection for future retries.
		if err := m.ledger.Finish(r.Context(), tenant, key, rec.status, rec.body.Bytes()); err != nil {
			m.logger.Error("storing idempotent response failed",
				slog.String("tenant_id", tenant), slog.String("key", key), slog.Any("error", err))
		}
	})
}

func mutates(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// recordingWriter tees the response so the ledger can snapshot it.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}
