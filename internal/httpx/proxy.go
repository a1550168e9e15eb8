package httpx

import (
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TrustedProxies lists the networks whose forwarding headers are believed.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies reads a comma separated list of CIDRs or bare
// addresses. Entries that parse as neither are returned in bad.
func ParseTrustedProxies(list string) (trusted TrustedProxies, bad []string) {
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(raw); err == nil {
			trusted = append(trusted, n)
			continue
		}
		if ip := net.ParseIP(raw); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				trusted = append(trusted, &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)})
			} else {
				trusted = append(trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
			}
			continue
		}
		bad = append(bad, raw)
	}
	return trusted, bad
}

// options trusts exactly the configured ranges; echo's defaults would also
// trust loopback and private networks.
func (t TrustedProxies) options() []echo.TrustOption {
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range t {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return opts
}

// Extractor returns the client address resolver for t. X-Forwarded-For and
// X-Real-IP are only read when the peer is trusted; the forwarded chain is
// walked right to left and the first untrusted hop wins.
func (t TrustedProxies) Extractor() echo.IPExtractor {
	opts := t.options()
	fromXFF := echo.ExtractIPFromXFFHeader(opts...)
	fromRealIP := echo.ExtractIPFromRealIPHeader(opts...)
	return func(r *http.Request) string {
		if r.Header.Get(echo.HeaderXForwardedFor) != "" {
			return fromXFF(r)
		}
		return fromRealIP(r)
	}
}

// Resolve returns the client address for r.
func (t TrustedProxies) Resolve(r *http.Request) string {
	return t.Extractor()(r)
}

// Middleware stores the resolved client address for ClientIP.
func (t TrustedProxies) Middleware(next http.Handler) http.Handler {
	extract := t.Extractor()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), extract(r))))
	})
}
