package waitlist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/utilities"
)

// Store is the keyed storage of waitlist entries. Lookups and mutations on an
// unknown email return (nil, nil); errors are reserved for backend failures.
type Store interface {
	Create(ctx context.Context, e *entity.Entry) error
	GetByEmail(ctx context.Context, email string) (*entity.Entry, error)
	GetByReferralCode(ctx context.Context, code string) (*entity.Entry, error)
	UpdateEntry(ctx context.Context, email string, p entity.Patch) (*entity.Entry, error)
	DeleteByEmail(ctx context.Context, email string) (bool, error)
	UpdateKitSubscriberID(ctx context.Context, email, id string) (*entity.Entry, error)
	AddTags(ctx context.Context, email string, tags ...string) (*entity.Entry, error)
	ProcessReferral(ctx context.Context, email string, spots int) (*entity.Entry, error)
	// CreditReferral flags referredEmail as credited and applies ProcessReferral
	// to referrerEmail as one unit. It returns entity.ErrAlreadyCredited when
	// the flag was already set and (nil, nil), changing nothing, when either
	// entry is missing.
	CreditReferral(ctx context.Context, referredEmail, referrerEmail string, spots int) (*entity.Entry, error)
	NextPosition(ctx context.Context) (int, error)
}

type Config struct {
	SpotsPerReferral int
	SiteURL          string
}

// ConfigFromEnv reads SPOTS_PER_REFERRAL (default 5) and SITE_URL.
func ConfigFromEnv() Config {
	spots := 5
	if v, err := strconv.Atoi(os.Getenv("SPOTS_PER_REFERRAL")); err == nil && v > 0 {
		spots = v
	}
	site := os.Getenv("SITE_URL")
	if site == "" {
		site = "http://localhost:3000"
	}
	return Config{SpotsPerReferral: spots, SiteURL: strings.TrimRight(site, "/")}
}

var (
	ErrNotFound            = errors.New("waitlist entry not found")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrReferralMismatch    = errors.New("referral code does not match referred user")
	ErrSelfReferral        = errors.New("self referral")
	ErrAlreadyCredited     = entity.ErrAlreadyCredited
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail normalizes email and checks it against a simple address shape.
func ValidateEmail(email string) (string, error) {
	e := NormalizeEmail(email)
	if e == "" {
		return "", &ValidationError{Field: "email", Message: "Email is required"}
	}
	if len(e) > 254 || !emailRe.MatchString(e) {
		return "", &ValidationError{Field: "email", Message: "Invalid email format"}
	}
	return e, nil
}

// NormalizeCode uppercases a referral code; stored codes are uppercase.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Service composes the entry store with referral crediting.
type Service struct {
	store   Store
	events  events.Emitter
	cfg     Config
	newID   func() string
	newCode func() string
}

func NewService(store Store, emitter events.Emitter, cfg Config) *Service {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if cfg.SpotsPerReferral <= 0 {
		cfg.SpotsPerReferral = 5
	}
	return &Service{
		store:   store,
		events:  emitter,
		cfg:     cfg,
		newID:   utilities.NewKSUID,
		newCode: utilities.NewReferralCode,
	}
}

// Store exposes the underlying entry store to collaborators such as the
// deletion and webhook services.
func (s *Service) Store() Store { return s.store }

func (s *Service) SpotsPerReferral() int { return s.cfg.SpotsPerReferral }

// ReferralURL is the share link for a referral code.
func (s *Service) ReferralURL(code string) string {
	return s.cfg.SiteURL + "/waitlist?ref=" + url.QueryEscape(code)
}

// Lookup returns the entry for email or ErrNotFound.
func (s *Service) Lookup(ctx context.Context, email string) (*entity.Entry, error) {
	e, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.GetByEmail(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// LookupReferrer resolves a referral code. A nil entry with nil error means
// the code is unknown.
func (s *Service) LookupReferrer(ctx context.Context, code string) (*entity.Entry, error) {
	c := NormalizeCode(code)
	if c == "" {
		return nil, &ValidationError{Field: "code", Message: "Referral code is required"}
	}
	entry, err := s.store.GetByReferralCode(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("get referrer: %w", err)
	}
	return entry, nil
}

// Signup adds email to the end of the waitlist. An existing email returns the
// stored entry with created=false. referralCode is optional; an unknown code is
// ignored rather than rejected.
func (s *Service) Signup(ctx context.Context, email, referralCode string) (entry *entity.Entry, created bool, err error) {
	e, err := ValidateEmail(email)
	if err != nil {
		return nil, false, err
	}
	if existing, err := s.store.GetByEmail(ctx, e); err != nil {
		return nil, false, fmt.Errorf("get entry: %w", err)
	} else if existing != nil {
		return existing, false, nil
	}

	var referredBy *string
	if c := NormalizeCode(referralCode); c != "" {
		ref, err := s.store.GetByReferralCode(ctx, c)
		if err != nil {
			return nil, false, fmt.Errorf("get referrer: %w", err)
		}
		if ref != nil {
			referredBy = &c
		}
	}

	// a referral code clash is retried with a fresh code; an email clash means
	// a concurrent signup won and its entry is returned instead
	for attempt := 0; attempt < 3; attempt++ {
		pos, err := s.store.NextPosition(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("next position: %w", err)
		}
		entry = &entity.Entry{
			ID:           s.newID(),
			Email:        e,
			Position:     pos,
			ReferralCode: s.newCode(),
			ReferredBy:   referredBy,
			Tags:         []string{},
		}
		err = s.store.Create(ctx, entry)
		if err == nil {
			s.events.Emit(ctx, events.ConsentGiven, map[string]any{
				"source":   "waitlist",
				"referred": referredBy != nil,
			})
			return entry, true, nil
		}
		if !errors.Is(err, entity.ErrDuplicate) {
			return nil, false, fmt.Errorf("create entry: %w", err)
		}
		if existing, gerr := s.store.GetByEmail(ctx, e); gerr == nil && existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("create entry: %w", entity.ErrDuplicate)
}

// ProcessReferral moves the referrer up by spots (clamped at position 1) and
// increments their referral count. spots <= 0 uses the configured default.
// Callers must ensure it runs at most once per referral event.
func (s *Service) ProcessReferral(ctx context.Context, referrerEmail string, spots int) (*entity.Entry, error) {
	if spots <= 0 {
		spots = s.cfg.SpotsPerReferral
	}
	entry, err := s.store.ProcessReferral(ctx, NormalizeEmail(referrerEmail), spots)
	if err != nil {
		return nil, fmt.Errorf("process referral: %w", err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// SetPosition overrides an entry's position.
func (s *Service) SetPosition(ctx context.Context, email string, position int) (*entity.Entry, error) {
	e, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if position < 1 {
		return nil, &ValidationError{Field: "newPosition", Message: "Position must be at least 1"}
	}
	entry, err := s.store.UpdateEntry(ctx, e, entity.Patch{Position: &position})
	if err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// CreditReferral credits the owner of code for referring referredEmail. The
// referred entry must have been created with that code. Flagging it and
// moving the referrer happen together, so a repeated call cannot credit twice
// and a failed move leaves the referral creditable.
func (s *Service) CreditReferral(ctx context.Context, code, referredEmail string) (*entity.Entry, error) {
	c := NormalizeCode(code)
	if c == "" {
		return nil, &ValidationError{Field: "referralCode", Message: "Referral code is required"}
	}
	e, err := ValidateEmail(referredEmail)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Field: "referredEmail", Message: ve.Message}
		}
		return nil, err
	}

	referrer, err := s.store.GetByReferralCode(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("get referrer: %w", err)
	}
	if referrer == nil {
		return nil, ErrInvalidReferralCode
	}
	if referrer.Email == e {
		return nil, ErrSelfReferral
	}

	referred, err := s.store.GetByEmail(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("get referred entry: %w", err)
	}
	if referred == nil {
		return nil, ErrNotFound
	}
	if referred.ReferredBy == nil || *referred.ReferredBy != c {
		return nil, ErrReferralMismatch
	}

	updated, err := s.store.CreditReferral(ctx, e, referrer.Email, s.cfg.SpotsPerReferral)
	if errors.Is(err, entity.ErrAlreadyCredited) {
		return nil, ErrAlreadyCredited
	}
	if err != nil {
		return nil, fmt.Errorf("credit referral: %w", err)
	}
	if updated == nil {
		return nil, ErrNotFound
	}
	return updated, nil
}
