package router

import (
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/kit"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
)

const (
	apiPrefix   = "/api"
	webhookPath = apiPrefix + "/webhooks/kit"
)

type Config struct {
	AllowedOrigins []string
	// TrustedProxies may set X-Forwarded-For and X-Real-IP. Empty means the
	// connection's peer address is always the client.
	TrustedProxies httpx.TrustedProxies
	// InvalidProxies holds TRUSTED_PROXIES entries that did not parse.
	InvalidProxies []string
}

// ConfigFromEnv reads CORS_ALLOWED_ORIGINS as a comma separated list. SITE_URL
// is always allowed. TRUSTED_PROXIES is a comma separated list of CIDRs.
func ConfigFromEnv() Config {
	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	if site := strings.TrimRight(os.Getenv("SITE_URL"), "/"); site != "" {
		origins = append(origins, site)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	trusted, bad := httpx.ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	return Config{AllowedOrigins: origins, TrustedProxies: trusted, InvalidProxies: bad}
}

type Deps struct {
	Logger   *zap.SugaredLogger
	Config   Config
	Waitlist *waitlist.Handler
	Deletion *deletion.Handler
	Kit      *kit.Handler
	Auth     *auth.Authenticator
	Limiter  ratelimit.Limiter
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs every request at debug level and counts it by status.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", httpx.ClientIP(r),
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets the headers for a JSON-only API.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cache-Control", "no-store")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// OriginCheckMiddleware rejects state-changing browser requests whose Origin
// (or Referer) is neither this host nor an allowed origin. Requests without
// either header are not from a browser form and pass. The Kit webhook is
// exempt because it authenticates by signature.
func OriginCheckMiddleware(allowed []string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) || r.URL.Path == webhookPath {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				if ref, err := url.Parse(r.Header.Get("Referer")); err == nil && ref.Host != "" {
					origin = ref.Scheme + "://" + ref.Host
				}
			}
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			u, err := url.Parse(origin)
			if err == nil && u.Host != "" {
				if strings.EqualFold(u.Host, r.Host) {
					next.ServeHTTP(w, r)
					return
				}
				if _, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Error(w, http.StatusUnauthorized, "Cross-site request rejected")
		})
	}
}

// RegisterRoutes mounts every handler on a method-pattern ServeMux and wraps
// it with the middleware chain.
func RegisterRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+apiPrefix+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST "+apiPrefix+"/waitlist", d.Waitlist.Signup)
	mux.HandleFunc("GET "+apiPrefix+"/waitlist/position", d.Waitlist.GetPosition)
	mux.HandleFunc("POST "+apiPrefix+"/waitlist/position", d.Auth.RequireInternal(d.Logger, d.Waitlist.UpdatePosition))
	mux.HandleFunc("GET "+apiPrefix+"/waitlist/referral", d.Waitlist.GetReferral)
	mux.HandleFunc("POST "+apiPrefix+"/waitlist/referral", d.Waitlist.CreditReferral)
	mux.HandleFunc("POST "+apiPrefix+"/waitlist/delete", d.Deletion.RequestDeletion)
	mux.HandleFunc("DELETE "+apiPrefix+"/waitlist/delete", d.Deletion.ConfirmDeletion)
	mux.HandleFunc("POST "+webhookPath, d.Kit.Webhook)

	var h http.Handler = mux
	if d.Limiter != nil {
		h = ratelimit.Middleware(d.Limiter, mux, d.Logger)(h)
	}
	h = OriginCheckMiddleware(d.Config.AllowedOrigins)(h)
	h = cors.New(cors.Options{
		AllowedOrigins: d.Config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Api-Key"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         600,
	}).Handler(h)
	h = SecurityHeadersMiddleware()(h)
	h = LoggingMiddleware(d.Logger)(h)
	return d.Config.TrustedProxies.Middleware(h)
}
