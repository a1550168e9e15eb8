package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/utilities"
)

// Event names delivered by Kit.
const (
	EventSubscriberCreated = "subscriber.created"
	EventFormSubscribe     = "subscriber.form_subscribe"
	EventSubscriberUpdated = "subscriber.updated"
	EventTagAdd            = "subscriber.tag_add"
	EventUnsubscribe       = "subscriber.unsubscribe"
)

// UnsubscribedTag marks entries whose owner left the mailing list. The entry
// itself stays on the waitlist.
const UnsubscribedTag = "unsubscribed"

type Config struct {
	Secret     string
	Production bool
}

// ConfigFromEnv reads KIT_WEBHOOK_SECRET and APP_ENV.
func ConfigFromEnv() Config {
	return Config{
		Secret:     os.Getenv("KIT_WEBHOOK_SECRET"),
		Production: strings.EqualFold(os.Getenv("APP_ENV"), "production"),
	}
}

// FlexString accepts a JSON string, number or null.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

type Subscriber struct {
	ID           FlexString            `json:"id"`
	EmailAddress string                `json:"email_address"`
	State        string                `json:"state"`
	Fields       map[string]FlexString `json:"fields"`
}

type Tag struct {
	ID   FlexString `json:"id"`
	Name string     `json:"name"`
}

type Payload struct {
	Event      string     `json:"event"`
	Subscriber Subscriber `json:"subscriber"`
	Tag        *Tag       `json:"tag,omitempty"`
}

// Outcome describes what an event did to local state.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped covers unknown local entries, missing data and unknown events.
	OutcomeSkipped Outcome = "skipped"
)

// Service applies Kit events to the entry store. Every handler is idempotent:
// replaying a payload leaves the same end state.
type Service struct {
	store  waitlist.Store
	logger *zap.SugaredLogger
}

func NewService(store waitlist.Store, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) Handle(ctx context.Context, p Payload) (Outcome, error) {
	email := waitlist.NormalizeEmail(p.Subscriber.EmailAddress)
	if email == "" {
		s.logger.Warnw("kit event without subscriber email", "event", p.Event)
		return OutcomeSkipped, nil
	}

	var (
		entry *entity.Entry
		err   error
	)
	switch p.Event {
	case EventSubscriberCreated, EventFormSubscribe:
		id := strings.TrimSpace(string(p.Subscriber.ID))
		if id == "" {
			s.logger.Warnw("kit event without subscriber id", "event", p.Event)
			return OutcomeSkipped, nil
		}
		entry, err = s.store.UpdateKitSubscriberID(ctx, email, id)
	case EventSubscriberUpdated:
		patch, ok := fieldsPatch(p.Subscriber.Fields)
		if !ok {
			return OutcomeSkipped, nil
		}
		entry, err = s.store.UpdateEntry(ctx, email, patch)
	case EventTagAdd:
		if p.Tag == nil || strings.TrimSpace(p.Tag.Name) == "" {
			s.logger.Warnw("kit tag event without tag name")
			return OutcomeSkipped, nil
		}
		entry, err = s.store.AddTags(ctx, email, strings.TrimSpace(p.Tag.Name))
	case EventUnsubscribe:
		entry, err = s.store.AddTags(ctx, email, UnsubscribedTag)
	default:
		s.logger.Infow("unhandled kit event", "event", p.Event)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("apply %s: %w", p.Event, err)
	}
	if entry == nil {
		// external-only subscribers are not imported
		s.logger.Infow("kit event for unknown waitlist entry", "event", p.Event, "email", utilities.RedactEmail(email))
		return OutcomeSkipped, nil
	}
	s.logger.Debugw("kit event applied", "event", p.Event, "email", utilities.RedactEmail(email))
	return OutcomeApplied, nil
}

// fieldsPatch picks the whitelisted custom fields out of a subscriber update.
// Out-of-range or non-numeric values are ignored.
func fieldsPatch(fields map[string]FlexString) (entity.Patch, bool) {
	var p entity.Patch
	if v, ok := fields["position"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(string(v))); err == nil && n >= 1 {
			p.Position = &n
		}
	}
	for _, key := range []string{"referral_count", "referralCount"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(string(v))); err == nil && n >= 0 {
			p.ReferralCount = &n
			break
		}
	}
	return p, p.Position != nil || p.ReferralCount != nil
}
