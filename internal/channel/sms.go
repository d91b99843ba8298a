package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/salonhq/outreach/internal/template"
)

// SMSConfig configures the HTTP SMS gateway adapter.
type SMSConfig struct {
	APIURL  string        `yaml:"api_url"`
	APIKey  string        `yaml:"api_key"`
	Sender  string        `yaml:"sender"`
	Timeout time.Duration `yaml:"timeout"`
}

// SMSAdapter sends text messages through an HTTP SMS gateway.
type SMSAdapter struct {
	cfg    SMSConfig
	client *http.Client
	logger *slog.Logger
}

// NewSMSAdapter creates the adapter.
func NewSMSAdapter(cfg SMSConfig, logger *slog.Logger) (*SMSAdapter, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("sms api_url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sms api_key is required")
	}
	return &SMSAdapter{
		cfg:    cfg,
		client: httpClient(cfg.Timeout),
		logger: logger,
	}, nil
}

// Channel implements Adapter.
func (a *SMSAdapter) Channel() Channel {
	return SMS
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
}

// Send implements Adapter. SMS has no subject line; only the body is
// sent.
func (a *SMSAdapter) Send(ctx context.Context, rcpt Recipient, content template.Content) (string, error) {
	payload := smsRequest{
		To:   rcpt.Identifier,
		From: a.cfg.Sender,
		Body: content.Body,
	}
	headers := map[string]string{
		"Authorization": "Bearer " + a.cfg.APIKey,
	}

	status, body, err := postJSON(ctx, a.client, a.cfg.APIURL+"/v1/messages", headers, payload)
	if err != nil {
		return "", NewTemporary(SMS, "request failed: %v", err)
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(SMS, status, body)
	}

	var resp smsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		a.logger.Debug("unparseable gateway response", "error", err)
	}

	return resp.MessageID, nil
}
