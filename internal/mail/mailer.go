package mail

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/utilities"
)

type Config struct {
	APIKey    string
	FromEmail string
	FromName  string
	SiteURL   string
}

func ConfigFromEnv() Config {
	site := os.Getenv("SITE_URL")
	if site == "" {
		site = "http://localhost:3000"
	}
	name := os.Getenv("MAILER_FROM_NAME")
	if name == "" {
		name = "Waitlist"
	}
	return Config{
		APIKey:    os.Getenv("MAILER_SENDGRID_API_KEY"),
		FromEmail: os.Getenv("MAILER_FROM_EMAIL"),
		FromName:  name,
		SiteURL:   strings.TrimRight(site, "/"),
	}
}

// Sender is the part of the SendGrid client the mailer uses.
type Sender interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// Mailer delivers deletion confirmation links through SendGrid.
type Mailer struct {
	cli     Sender
	from    *sgmail.Email
	siteURL string
}

func New(c Config) (*Mailer, error) {
	if c.APIKey == "" || c.FromEmail == "" {
		return nil, fmt.Errorf("incomplete mailer config: api key and from email are required")
	}
	return NewWithSender(sendgrid.NewSendClient(c.APIKey), c), nil
}

func NewWithSender(cli Sender, c Config) *Mailer {
	return &Mailer{cli: cli, from: sgmail.NewEmail(c.FromName, c.FromEmail), siteURL: c.SiteURL}
}

// ConfirmURL is the link a user follows to confirm deletion.
func ConfirmURL(siteURL, token string) string {
	return siteURL + "/waitlist/delete/confirm?token=" + url.QueryEscape(token)
}

const deletionSubject = "Confirm your waitlist data deletion"

func (m *Mailer) SendDeletionConfirmation(ctx context.Context, email, token string) error {
	link := ConfirmURL(m.siteURL, token)
	plain := "We received a request to delete your waitlist data.\n\n" +
		"Confirm the deletion within 15 minutes: " + link + "\n\n" +
		"If you did not ask for this, ignore this email and nothing will change."
	html := `<p>We received a request to delete your waitlist data.</p>` +
		`<p><a href="` + link + `">Confirm the deletion</a> within 15 minutes.</p>` +
		`<p>If you did not ask for this, ignore this email and nothing will change.</p>`

	msg := sgmail.NewSingleEmail(m.from, deletionSubject, sgmail.NewEmail("", email), plain, html)
	resp, err := m.cli.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier stands in for the mailer when no SendGrid key is configured.
// The token itself is never logged.
type LogNotifier struct {
	Logger *zap.SugaredLogger
}

func (n LogNotifier) SendDeletionConfirmation(_ context.Context, email, _ string) error {
	n.Logger.Warnw("mailer not configured; deletion confirmation not delivered", "email", utilities.RedactEmail(email))
	return nil
}
