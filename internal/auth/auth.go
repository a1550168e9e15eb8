package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
)

const (
	issuer     = "waitlist"
	adminScope = "waitlist:admin"
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	// APIKey is compared in constant time. APIKeyHash, when set, is a bcrypt
	// hash checked instead.
	APIKey     string
	APIKeyHash string
	JWTSecret  string
	TokenTTL   time.Duration
}

// ConfigFromEnv reads INTERNAL_API_KEY, INTERNAL_API_KEY_HASH, ADMIN_JWT_SECRET
// and ADMIN_TOKEN_TTL (default 1h).
func ConfigFromEnv() Config {
	c := Config{
		APIKey:     os.Getenv("INTERNAL_API_KEY"),
		APIKeyHash: os.Getenv("INTERNAL_API_KEY_HASH"),
		JWTSecret:  os.Getenv("ADMIN_JWT_SECRET"),
		TokenTTL:   time.Hour,
	}
	if d, err := time.ParseDuration(os.Getenv("ADMIN_TOKEN_TTL")); err == nil && d > 0 {
		c.TokenTTL = d
	}
	return c
}

// Claims carried by admin tokens.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg, now: time.Now}
}

// Enabled reports whether any internal credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.cfg.APIKey != "" || a.cfg.APIKeyHash != "" || a.cfg.JWTSecret != ""
}

// IssueAdminToken signs an HS256 token for subject valid for the configured TTL.
func (a *Authenticator) IssueAdminToken(subject string) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", fmt.Errorf("ADMIN_JWT_SECRET is not set")
	}
	now := a.now()
	claims := Claims{
		Scope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
}

// VerifyAdminToken checks signature, expiry, issuer and scope.
func (a *Authenticator) VerifyAdminToken(raw string) (*Claims, error) {
	if a.cfg.JWTSecret == "" || raw == "" {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Scope != adminScope {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// CheckAPIKey validates key against the configured plain key or bcrypt hash.
func (a *Authenticator) CheckAPIKey(key string) bool {
	if key == "" {
		return false
	}
	if a.cfg.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.cfg.APIKeyHash), []byte(key)) == nil
	}
	if a.cfg.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.cfg.APIKey), []byte(key)) == 1
}

// HashAPIKey produces a value for INTERNAL_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Authorize accepts either an x-api-key header or a bearer admin token.
func (a *Authenticator) Authorize(r *http.Request) error {
	if key := r.Header.Get("x-api-key"); key != "" {
		if a.CheckAPIKey(key) {
			return nil
		}
		return ErrUnauthorized
	}
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		_, err := a.VerifyAdminToken(strings.TrimSpace(tok))
		return err
	}
	return ErrUnauthorized
}

// RequireInternal wraps handlers that only trusted callers may reach.
func (a *Authenticator) RequireInternal(logger *zap.SugaredLogger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authorize(r); err != nil {
			logger.Warnw("internal endpoint rejected", "path", r.URL.Path, "remote", httpx.ClientIP(r))
			httpx.Error(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}
