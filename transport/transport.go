// Package transport delivers rendered messages through outbound providers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNoProvider means no provider is configured for a channel. It is not
// worth retrying.
var ErrNoProvider = errors.New("no transport provider configured")

// Message is what a provider needs to send one email or SMS.
type Message struct {
	ID      string
	To      string
	Subject string
	Body    string
}

// Provider sends messages over one external service.
type Provider interface {
	Name() string
	// Configured reports whether the provider has what it needs to send.
	Configured() bool
	// Send returns the provider's id for the accepted message.
	Send(ctx context.Context, msg *Message) (string, error)
}

// Result identifies which provider accepted a message.
type Result struct {
	Provider          string
	ProviderMessageID string
}

type pacedProvider struct {
	Provider
	limiter *rate.Limiter
}

// Chain tries providers in priority order until one accepts the message.
// Each provider is paced by its own rate limiter.
type Chain struct {
	channel   string
	providers []pacedProvider
	log       *logrus.Entry
}

// NewChain keeps the configured providers of list, in order. A
// non-positive perSecond disables pacing.
func NewChain(channel string, list []Provider, perSecond float64, log *logrus.Entry) *Chain {
	c := &Chain{channel: channel, log: log.WithField("channel", channel)}
	for _, p := range list {
		if p == nil || !p.Configured() {
			continue
		}
		limit := rate.Inf
		burst := 1
		if perSecond > 0 {
			limit = rate.Limit(perSecond)
			burst = int(perSecond)
			if burst < 1 {
				burst = 1
			}
		}
		c.providers = append(c.providers, pacedProvider{Provider: p, limiter: rate.NewLimiter(limit, burst)})
	}
	return c
}

// Providers lists the names of the providers in use, highest priority first.
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Send delivers msg through the first provider that accepts it. When every
// provider fails the combined error is returned.
func (c *Chain) Send(ctx context.Context, msg *Message) (Result, error) {
	if len(c.providers) == 0 {
		return Result{}, fmt.Errorf("%s: %w", c.channel, ErrNoProvider)
	}

	var failures []string
	for _, p := range c.providers {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("pacing %s: %w", p.Name(), err)
		}

		id, err := p.Send(ctx, msg)
		if err == nil {
			return Result{Provider: p.Name(), ProviderMessageID: id}, nil
		}

		c.log.WithFields(logrus.Fields{
			"provider":   p.Name(),
			"message_id": msg.ID,
		}).WithError(err).Warn("Provider failed, trying next")
		failures = append(failures, p.Name()+": "+err.Error())

		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, fmt.Errorf("all %s providers failed: %s", c.channel, strings.Join(failures, "; "))
}
