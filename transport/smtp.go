package transport

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Dialer is the part of *gomail.Dialer the SMTP provider uses.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPProvider sends HTML email through an SMTP relay.
type SMTPProvider struct {
	dialer    Dialer
	host      string
	fromName  string
	fromEmail string
	domain    string
}

func NewSMTPProvider(host string, port int, username, password, fromName, fromEmail, domain string) *SMTPProvider {
	return &SMTPProvider{
		dialer:    gomail.NewDialer(host, port, username, password),
		host:      host,
		fromName:  fromName,
		fromEmail: fromEmail,
		domain:    domain,
	}
}

// WithDialer swaps the SMTP connection, mostly for tests.
func (p *SMTPProvider) WithDialer(d Dialer) *SMTPProvider {
	p.dialer = d
	return p
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Configured() bool {
	return p.host != "" && p.fromEmail != ""
}

// MessageIDHeader is the Message-ID stamped on outgoing mail; replies carry
// it back in In-Reply-To.
func MessageIDHeader(messageID, domain string) string {
	return fmt.Sprintf("<%s@%s>", messageID, domain)
}

func (p *SMTPProvider) Send(ctx context.Context, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	headerID := MessageIDHeader(msg.ID, p.domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", p.fromEmail, p.fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", headerID)
	m.SetBody("text/html", msg.Body)

	if err := p.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return headerID, nil
}
