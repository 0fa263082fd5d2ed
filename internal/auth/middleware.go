package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	loggerpkg "PolyChat/pkg/logger"
)

// MiddlewareConfig configures the identity middleware.
type MiddlewareConfig struct {
	// Header carries the user id set by the trusted upstream layer.
	Header string
	// Audit receives access log lines. Defaults to the audit logger.
	Audit *slog.Logger
}

// Middleware rejects requests without an identity and stores the user id in
// the request context otherwise.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	header := cfg.Header
	if header == "" {
		header = "X-User-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := cfg.Audit
			if logger == nil {
				logger = loggerpkg.Audit()
			}

			userID := strings.TrimSpace(r.Header.Get(header))
			if userID == "" {
				status := http.StatusUnauthorized
				http.Error(w, http.StatusText(status), status)
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithUser(r.Context(), userID)))
			logger.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", userID,
			)
		})
	}
}

// auditWriter captures the response status.
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader records the status before delegating.
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper.
func (w *auditWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
