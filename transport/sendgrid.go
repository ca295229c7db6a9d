package transport

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridProvider sends email through the SendGrid v3 API.
type SendGridProvider struct {
	apiKey    string
	endpoint  string
	fromName  string
	fromEmail string
}

func NewSendGridProvider(apiKey, fromName, fromEmail string) *SendGridProvider {
	return &SendGridProvider{
		apiKey:    apiKey,
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

// WithEndpoint points the provider at another mail/send URL.
func (p *SendGridProvider) WithEndpoint(url string) *SendGridProvider {
	p.endpoint = url
	return p
}

func (p *SendGridProvider) Name() string { return "sendgrid" }

func (p *SendGridProvider) Configured() bool {
	return p.apiKey != "" && p.fromEmail != ""
}

func (p *SendGridProvider) Send(ctx context.Context, msg *Message) (string, error) {
	from := mail.NewEmail(p.fromName, p.fromEmail)
	to := mail.NewEmail("", msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, "", msg.Body)
	// Event webhooks echo custom args back, which lets bounces find the message.
	message.Personalizations[0].SetCustomArg("message_id", msg.ID)

	// The client mutates its request body, so one is built per send.
	client := sendgrid.NewSendClient(p.apiKey)
	if p.endpoint != "" {
		client.Request.BaseURL = p.endpoint
	}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return "", fmt.Errorf("sendgrid send: %w", err)
	}
	if response.StatusCode >= 400 {
		return "", fmt.Errorf("sendgrid returned error status %d: %s", response.StatusCode, response.Body)
	}

	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return msg.ID, nil
}
