package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

// MailgunConfig configures the email sink.
type MailgunConfig struct {
	Domain  string
	APIKey  string
	From    string
	Subject string
	// APIBase overrides the API endpoint, e.g. the EU region.
	APIBase string
}

// Mailgun sends each message as a plain-text email to target.
type Mailgun struct {
	mg      *mailgun.MailgunImpl
	from    string
	subject string
}

// NewMailgun validates cfg and builds the sink.
func NewMailgun(cfg MailgunConfig) (*Mailgun, error) {
	if cfg.Domain == "" || cfg.APIKey == "" || cfg.From == "" {
		return nil, errors.New("mailgun requires domain, api key and from address")
	}
	mg := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.APIBase != "" {
		mg.SetAPIBase(cfg.APIBase)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "Ops report"
	}
	return &Mailgun{mg: mg, from: cfg.From, subject: subject}, nil
}

func (m *Mailgun) Name() string { return "mailgun" }

func (m *Mailgun) Notify(ctx context.Context, target, message string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg := m.mg.NewMessage(m.from, m.subject, message)
	for _, to := range strings.Split(target, ",") {
		if to = strings.TrimSpace(to); to != "" {
			if err := msg.AddRecipient(to); err != nil {
				return fmt.Errorf("mailgun recipient %q: %w", to, err)
			}
		}
	}
	if _, _, err := m.mg.Send(ctx, msg); err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	return nil
}
