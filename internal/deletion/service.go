package deletion

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion/entity"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/utilities"
)

// TokenRepo stores pending deletions keyed by token hash.
type TokenRepo interface {
	Save(ctx context.Context, pd entity.PendingDeletion) error
	// Take atomically removes the record for tokenHash and returns it, or nil
	// when it is unknown or expired at now.
	Take(ctx context.Context, tokenHash string, now time.Time) (*entity.PendingDeletion, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Notifier delivers the raw confirmation token to the address owner.
type Notifier interface {
	SendDeletionConfirmation(ctx context.Context, email, token string) error
}

type Config struct {
	TokenTTL      time.Duration
	SweepInterval time.Duration
	// the not-found path sleeps a random duration in [MinDelay, MaxDelay)
	MinDelay time.Duration
	MaxDelay time.Duration
	Backend  string // memory or redis
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// ConfigFromEnv reads DELETION_TOKEN_TTL, DELETION_SWEEP_INTERVAL and DELETION_TOKEN_STORE.
func ConfigFromEnv() Config {
	backend := strings.ToLower(os.Getenv("DELETION_TOKEN_STORE"))
	if backend == "" {
		backend = "memory"
	}
	return Config{
		TokenTTL:      durationEnv("DELETION_TOKEN_TTL", 15*time.Minute),
		SweepInterval: durationEnv("DELETION_SWEEP_INTERVAL", time.Minute),
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      300 * time.Millisecond,
		Backend:       backend,
	}
}

var ErrInvalidToken = errors.New("invalid or expired token")

// Service runs the two-step erasure flow: Request mails a single-use token,
// Confirm spends it and deletes the entry.
type Service struct {
	entries  waitlist.Store
	tokens   TokenRepo
	notifier Notifier
	events   events.Emitter
	logger   *zap.SugaredLogger
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	// sends tracks confirmation emails still in flight.
	sends sync.WaitGroup
}

const notifyTimeout = 30 * time.Second

func NewService(entries waitlist.Store, tokens TokenRepo, notifier Notifier, emitter events.Emitter, logger *zap.SugaredLogger, cfg Config) *Service {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Service{
		entries:  entries,
		tokens:   tokens,
		notifier: notifier,
		events:   emitter,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// HashToken is the one-way hash stored in place of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) randomDelay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(mrand.Int64N(int64(span)))
}

// Request starts a deletion for email. It returns nil whether or not the
// email is on the waitlist; only malformed input and backend failures surface.
// Both paths wait the same random delay and the confirmation email is sent in
// the background, so response time does not depend on the mail provider.
func (s *Service) Request(ctx context.Context, email string) error {
	e, err := waitlist.ValidateEmail(email)
	if err != nil {
		return err
	}
	entry, err := s.entries.GetByEmail(ctx, e)
	if err != nil {
		return fmt.Errorf("get entry: %w", err)
	}
	if entry == nil {
		s.sleep(ctx, s.randomDelay())
		return nil
	}

	token, err := newToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	pd := entity.PendingDeletion{
		TokenHash: HashToken(token),
		Email:     e,
		ExpiresAt: s.now().Add(s.cfg.TokenTTL),
	}
	if err := s.tokens.Save(ctx, pd); err != nil {
		return fmt.Errorf("save pending deletion: %w", err)
	}
	if s.notifier != nil {
		s.sends.Add(1)
		go s.notify(context.WithoutCancel(ctx), e, token)
	}
	s.logger.Infow("deletion requested", "email", utilities.RedactEmail(e), "expires_at", pd.ExpiresAt)
	s.sleep(ctx, s.randomDelay())
	return nil
}

func (s *Service) notify(ctx context.Context, email, token string) {
	defer s.sends.Done()
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.notifier.SendDeletionConfirmation(ctx, email, token); err != nil {
		s.logger.Errorw("deletion confirmation not sent", "email", utilities.RedactEmail(email), "err", err)
	}
}

// Wait blocks until every confirmation email started by Request has finished.
func (s *Service) Wait() {
	s.sends.Wait()
}

// Confirm spends token and deletes the matching entry. Unknown, reused and
// expired tokens all yield ErrInvalidToken.
func (s *Service) Confirm(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	pd, err := s.tokens.Take(ctx, HashToken(token), s.now())
	if err != nil {
		return fmt.Errorf("take pending deletion: %w", err)
	}
	if pd == nil {
		return ErrInvalidToken
	}
	deleted, err := s.entries.DeleteByEmail(ctx, pd.Email)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	s.events.Emit(ctx, events.ConsentWithdrawn, map[string]any{
		"source":  "waitlist",
		"deleted": deleted,
	})
	s.logger.Infow("waitlist entry deleted", "email", utilities.RedactEmail(pd.Email), "existed", deleted)
	return nil
}

// Sweep removes expired pending deletions.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	if n > 0 {
		metrics.PendingDeletionsSwept.Add(float64(n))
		s.logger.Debugw("expired deletion tokens swept", "count", n)
	}
	return n, nil
}

// Run sweeps on every SweepInterval tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Errorw("sweep failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
