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

const defaultGraphAPIURL = "https://graph.facebook.com/v21.0"

// InstagramConfig configures the Instagram messaging adapter.
type InstagramConfig struct {
	APIURL      string        `yaml:"api_url"`
	AccountID   string        `yaml:"account_id"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
}

// InstagramAdapter sends direct messages through the Graph API.
type InstagramAdapter struct {
	cfg    InstagramConfig
	client *http.Client
	logger *slog.Logger
}

// NewInstagramAdapter creates the adapter.
func NewInstagramAdapter(cfg InstagramConfig, logger *slog.Logger) (*InstagramAdapter, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("instagram account_id is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("instagram access_token is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultGraphAPIURL
	}
	return &InstagramAdapter{
		cfg:    cfg,
		client: httpClient(cfg.Timeout),
		logger: logger,
	}, nil
}

// Channel implements Adapter.
func (a *InstagramAdapter) Channel() Channel {
	return Instagram
}

type igRecipient struct {
	ID string `json:"id"`
}

type igMessage struct {
	Text string `json:"text"`
}

type igSendRequest struct {
	Recipient igRecipient `json:"recipient"`
	Message   igMessage   `json:"message"`
}

type igSendResponse struct {
	MessageID string `json:"message_id"`
}

// Send implements Adapter.
func (a *InstagramAdapter) Send(ctx context.Context, rcpt Recipient, content template.Content) (string, error) {
	payload := igSendRequest{
		Recipient: igRecipient{ID: rcpt.Identifier},
		Message:   igMessage{Text: content.Body},
	}
	headers := map[string]string{
		"Authorization": "Bearer " + a.cfg.AccessToken,
	}

	url := fmt.Sprintf("%s/%s/messages", a.cfg.APIURL, a.cfg.AccountID)
	status, body, err := postJSON(ctx, a.client, url, headers, payload)
	if err != nil {
		return "", NewTemporary(Instagram, "request failed: %v", err)
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(Instagram, status, body)
	}

	var resp igSendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		a.logger.Debug("unparseable Graph API response", "error", err)
	}

	return resp.MessageID, nil
}
