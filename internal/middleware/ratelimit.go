package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"powgate/internal/handlers"
	"powgate/internal/metrics"
	"powgate/internal/ratelimit"
	"powgate/internal/types"
	"powgate/internal/utils"
)

// RateLimiter applies limiter per client IP to requests whose path has one
// of prefixes, or to every request when prefixes is empty. A limiter error
// lets the request through.
func RateLimiter(limiter ratelimit.Limiter, name string, prefixes []string, m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasPrefix(prefixes, cleanPath(r.URL.Path)) {
				next.ServeHTTP(w, r)
				return
			}

			ip := utils.ClientIP(r)
			allowed, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Error("RateLimiter: limiter check failed", zap.String("limiter", name), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				logger.Info("RateLimiter: limit exceeded", zap.String("limiter", name), zap.String("ip", ip), zap.String("path", r.URL.Path))
				m.RateLimited(name)
				handlers.WriteRejection(w, types.KindRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasPrefix(prefixes []string, p string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
