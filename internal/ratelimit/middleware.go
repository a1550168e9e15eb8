package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/metrics"
)

// Routes reports the pattern a request would be dispatched to.
// *http.ServeMux satisfies it.
type Routes interface {
	Handler(r *http.Request) (h http.Handler, pattern string)
}

// routeLabel keeps the metric cardinality bounded by the registered patterns.
func routeLabel(routes Routes, r *http.Request) string {
	if routes != nil {
		if _, pattern := routes.Handler(r); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// Middleware limits requests per client IP. A limiter failure lets the
// request through. routes may be nil.
func Middleware(l Limiter, routes Routes, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), httpx.ClientIP(r))
			if err != nil {
				logger.Warnw("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(math.Ceil(d.ResetIn.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				metrics.RateLimited.WithLabelValues(routeLabel(routes, r)).Inc()
				httpx.Error(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
