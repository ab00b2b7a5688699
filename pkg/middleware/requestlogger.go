package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/checkoutflow/pkg/logger"
)

// RequestLogger stores a logger enriched with correlation, user and trace
// identifiers in the request context. Mount it after RequestLogging and
// Tracing so those identifiers exist.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if userID := r.Header.Get("X-User-ID"); userID != "" {
				ctx = logger.WithUserID(ctx, userID)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
