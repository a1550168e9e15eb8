package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion"
	delrepo "github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion/repo"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/kit"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/mail"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
	wlrepo "github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/repo"
)

func newTestRouter(t *testing.T, limit int) http.Handler {
	t.Helper()
	return newTestRouterWithConfig(t, limit, Config{AllowedOrigins: []string{"https://example.com"}})
}

func newTestRouterWithConfig(t *testing.T, limit int, cfg Config) http.Handler {
	t.Helper()
	lg := zap.NewNop().Sugar()
	store := wlrepo.NewMemoryRepo()
	require.NoError(t, store.Create(context.Background(), &entity.Entry{
		ID: "1", Email: "ada@example.com", Position: 10, ReferralCode: "ADA1",
	}))
	bus := events.NewBus(lg)
	wl := waitlist.NewService(store, bus, waitlist.Config{SpotsPerReferral: 5, SiteURL: "https://example.com"})
	del := deletion.NewService(store, delrepo.NewMemoryRepo(), mail.LogNotifier{Logger: lg}, bus, lg, deletion.Config{TokenTTL: time.Minute})
	return RegisterRoutes(Deps{
		Logger:   lg,
		Config:   cfg,
		Waitlist: waitlist.NewHandler(wl, lg, bus),
		Deletion: deletion.NewHandler(del, lg, bus),
		Kit:      kit.NewHandler(kit.NewService(store, lg), kit.Config{Secret: "s"}, lg, bus),
		Auth:     auth.New(auth.Config{APIKey: "key-123"}),
		Limiter:  ratelimit.NewMemoryLimiter(time.Minute, limit),
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	h := newTestRouter(t, 100)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, 100)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestInternalPositionRequiresCredentials(t *testing.T) {
	h := newTestRouter(t, 100)
	body := `{"email":"ada@example.com","newPosition":1}`

	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/waitlist/position", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/waitlist/position", strings.NewReader(body))
	req.Header.Set("x-api-key", "key-123")
	rr = serve(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOriginCheck(t *testing.T) {
	h := newTestRouter(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/waitlist/delete", strings.NewReader(`{"email":"ada@example.com"}`))
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/waitlist/delete", strings.NewReader(`{"email":"ghost@example.com"}`))
	req.Header.Set("Origin", "https://example.com")
	assert.Equal(t, http.StatusAccepted, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/waitlist/position?email=ada@example.com", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
}

func TestWebhookExemptFromOriginCheck(t *testing.T) {
	h := newTestRouter(t, 100)
	body := `{"event":"subscriber.created","subscriber":{"id":1,"email_address":"ada@example.com"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/kit", strings.NewReader(body))
	req.Header.Set("Origin", "https://kit.example")
	req.Header.Set("x-kit-signature", kit.Sign("s", []byte(body)))
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t, 100)
	req := httptest.NewRequest(http.MethodOptions, "/api/waitlist", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := serve(h, req)
	assert.Equal(t, "https://example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	h := newTestRouter(t, 2)
	for i := 0; i < 2; i++ {
		rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	h := newTestRouter(t, 2)
	limited := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/waitlist/position?email=ada@example.com", nil)
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		if serve(h, req).Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 18, limited)
}

func TestRateLimitKeysOnForwardedForFromTrustedProxy(t *testing.T) {
	trusted, _ := httpx.ParseTrustedProxies("10.0.0.0/8")
	h := newTestRouterWithConfig(t, 1, Config{AllowedOrigins: []string{"https://example.com"}, TrustedProxies: trusted})

	get := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "10.0.0.2:40000"
		req.Header.Set("X-Forwarded-For", client)
		return serve(h, req).Code
	}
	assert.Equal(t, http.StatusOK, get("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, get("198.51.100.1"))
	assert.Equal(t, http.StatusOK, get("198.51.100.2"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example/ , https://b.example")
	t.Setenv("SITE_URL", "https://site.example/")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, bogus")
	cfg := ConfigFromEnv()
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://site.example"}, cfg.AllowedOrigins)
	require.Len(t, cfg.TrustedProxies, 1)
	assert.Equal(t, "10.0.0.0/8", cfg.TrustedProxies[0].String())
	assert.Equal(t, []string{"bogus"}, cfg.InvalidProxies)
}
