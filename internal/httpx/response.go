package httpx

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
)

// ErrorResponse is the envelope for every non-2xx JSON response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// FieldError writes a 400 naming the offending field.
func FieldError(w http.ResponseWriter, field, message string) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Field: field})
}

// InternalError logs err with request context, emits APPLICATION_ERROR and
// answers with a generic 500 that never includes err itself.
func InternalError(w http.ResponseWriter, r *http.Request, logger *zap.SugaredLogger, emitter events.Emitter, err error) {
	logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	if emitter != nil {
		emitter.Emit(r.Context(), events.ApplicationError, map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		})
	}
	Error(w, http.StatusInternalServerError, "Internal server error")
}

// Decode parses a JSON body into dst. Bodies above 64 KiB are rejected.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	return dec.Decode(dst)
}

type clientIPKey struct{}

// WithClientIP records the resolved client address on ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the address resolved by TrustedProxies.Middleware, or the
// connection's remote host when no resolver ran.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
