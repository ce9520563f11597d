package logging

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// quietPaths are polled by scrapers and health checks; they log at trace level
var quietPaths = map[string]bool{
	"/metrics": true,
	"/healthz": true,
}

// RequestIDMiddleware tags each request with an id (reusing X-Request-ID when
// the client sent one), echoes it in the response and logs the outcome.
// 5xx responses log as errors and 4xx as warnings.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		level := slog.LevelInfo
		msg := "request completed"
		switch {
		case rw.statusCode >= 500:
			level, msg = slog.LevelError, "request failed"
		case rw.statusCode >= 400:
			level, msg = slog.LevelWarn, "request rejected"
		case quietPaths[r.URL.Path]:
			level = LevelTrace
		case strings.HasPrefix(r.URL.Path, "/api/subscribe/"):
			msg = "stream closed"
		}
		Logger().Log(ctx, level, msg, withRequestID(ctx, []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"bytes", rw.written,
			"durationMs", time.Since(start).Milliseconds(),
		})...)
	})
}

// responseWriter records the status and body size of a response
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
