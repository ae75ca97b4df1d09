package api

import (
	"net/http"

	"github.com/cboxdk/overload-manager/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitMiddleware applies a token-bucket limit to the admin endpoints.
// The limiter is global rather than per-client: the admin surface is small
// and its purpose is protecting the control loop, not fairness.
func rateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("Admin request rate limited",
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("path", r.URL.Path))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
