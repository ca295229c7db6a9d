package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSWebhookProvider posts SMS sends as JSON to an HTTP gateway.
type SMSWebhookProvider struct {
	url      string
	token    string
	senderID string
	client   *http.Client
}

func NewSMSWebhookProvider(url, token, senderID string) *SMSWebhookProvider {
	return &SMSWebhookProvider{
		url:      url,
		token:    token,
		senderID: senderID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type smsSendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	SenderID    string `json:"senderId,omitempty"`
	Reference   string `json:"reference"`
}

type smsSendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (p *SMSWebhookProvider) Name() string { return "webhook" }

func (p *SMSWebhookProvider) Configured() bool { return p.url != "" }

func (p *SMSWebhookProvider) Send(ctx context.Context, msg *Message) (string, error) {
	reqBody, err := json.Marshal(smsSendRequest{
		PhoneNumber: msg.To,
		Message:     msg.Body,
		SenderID:    p.senderID,
		Reference:   msg.ID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr smsSendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}
	return sr.MessageID, nil
}
