package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// TracingMiddleware assigns every request an id that follows it into audit records
type TracingMiddleware struct {
	logger *logger.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(log *logger.Logger) *TracingMiddleware {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &TracingMiddleware{logger: log}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := events.WithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.logger.WithField("request_id", requestID).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", rw.statusCode).
			WithField("duration", time.Since(start)).
			Info("request served")
	})
}
