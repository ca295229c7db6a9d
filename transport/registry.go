package transport

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"leadflow/config"
)

// BuildEmailChain assembles the email providers named in cfg.EmailProviders.
func BuildEmailChain(cfg *config.Config, log *logrus.Entry) (*Chain, error) {
	var providers []Provider
	for _, name := range cfg.EmailProviders {
		switch name {
		case "sendgrid":
			providers = append(providers, NewSendGridProvider(cfg.SendGridAPIKey, cfg.FromName, cfg.FromEmail))
		case "smtp":
			providers = append(providers, NewSMTPProvider(
				cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
				cfg.FromName, cfg.FromEmail, cfg.MessageIDDomain,
			))
		case "log":
			providers = append(providers, NewLogProvider("email", log))
		default:
			return nil, fmt.Errorf("unknown email provider %q", name)
		}
	}
	return NewChain("email", providers, cfg.ProviderRate, log), nil
}

// BuildSMSChain assembles the SMS providers named in cfg.SMSProviders.
func BuildSMSChain(cfg *config.Config, log *logrus.Entry) (*Chain, error) {
	var providers []Provider
	for _, name := range cfg.SMSProviders {
		switch name {
		case "webhook":
			providers = append(providers, NewSMSWebhookProvider(cfg.SMSWebhookURL, cfg.SMSWebhookToken, cfg.SMSSenderID))
		case "log":
			providers = append(providers, NewLogProvider("sms", log))
		default:
			return nil, fmt.Errorf("unknown sms provider %q", name)
		}
	}
	return NewChain("sms", providers, cfg.ProviderRate, log), nil
}
