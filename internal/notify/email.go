package notify

import (
	"context"
	"fmt"
	"strings"

	mail "github.com/wneessen/go-mail"

	"claimwatch/internal/config"
	"claimwatch/internal/errs"
)

type mailSender func(ctx context.Context, msgs ...*mail.Msg) error

// EmailChannel sends plain-text mail over SMTP. Recipients are GitHub logins
// resolved through the configured address book.
type EmailChannel struct {
	from      string
	addresses map[string]string
	send      mailSender
}

func NewEmailChannel(cfg config.EmailConfig) (*EmailChannel, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("notify.email: host and from are required: %w", errs.ErrInvalidConfiguration)
	}
	opts := []mail.Option{mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(cfg.Username), mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify.email: %v: %w", err, errs.ErrInvalidConfiguration)
	}
	return &EmailChannel{from: cfg.From, addresses: lowerKeys(cfg.Addresses), send: client.DialAndSendWithContext}, nil
}

func (c *EmailChannel) Send(ctx context.Context, recipient string, msg Message) error {
	m, err := c.build(recipient, msg)
	if err != nil {
		return err
	}
	if err := c.send(ctx, m); err != nil {
		return fmt.Errorf("smtp: %v: %w", err, errs.ErrExternalUnavailable)
	}
	return nil
}

func (c *EmailChannel) build(recipient string, msg Message) (*mail.Msg, error) {
	addr := c.addresses[strings.ToLower(recipient)]
	if addr == "" {
		if !strings.Contains(recipient, "@") {
			return nil, fmt.Errorf("%s: %w", recipient, ErrNoAddress)
		}
		addr = recipient
	}
	m := mail.NewMsg()
	if err := m.From(c.from); err != nil {
		return nil, err
	}
	if err := m.To(addr); err != nil {
		return nil, err
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
