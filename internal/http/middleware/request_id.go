// Package middleware holds the chi middleware shared by every route.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
)

// RequestIDHeader is the HTTP header for request ID.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength caps client-supplied ids before they reach the logs.
const maxRequestIDLength = 128

// RequestID injects a request ID and a request-scoped logger into the
// context. A client-supplied X-Request-ID is reused; otherwise a UUID is
// generated.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = uuid.New().String()
			}

			w.Header().Set(RequestIDHeader, requestID)

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			ctx = observability.ContextWithLogger(ctx, observability.WithRequestID(logger, requestID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return observability.RequestIDFromContext(ctx)
}
