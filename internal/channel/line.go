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

const defaultLineAPIURL = "https://api.line.me"

// LineConfig configures the LINE Messaging API adapter.
type LineConfig struct {
	APIURL             string        `yaml:"api_url"`
	ChannelAccessToken string        `yaml:"channel_access_token"`
	Timeout            time.Duration `yaml:"timeout"`
}

// LineAdapter pushes messages through the LINE Messaging API.
type LineAdapter struct {
	cfg    LineConfig
	client *http.Client
	logger *slog.Logger
}

// NewLineAdapter creates the adapter.
func NewLineAdapter(cfg LineConfig, logger *slog.Logger) (*LineAdapter, error) {
	if cfg.ChannelAccessToken == "" {
		return nil, fmt.Errorf("line channel_access_token is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultLineAPIURL
	}
	return &LineAdapter{
		cfg:    cfg,
		client: httpClient(cfg.Timeout),
		logger: logger,
	}, nil
}

// Channel implements Adapter.
func (a *LineAdapter) Channel() Channel {
	return Line
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePushRequest struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type linePushResponse struct {
	SentMessages []struct {
		ID string `json:"id"`
	} `json:"sentMessages"`
}

// Send implements Adapter.
func (a *LineAdapter) Send(ctx context.Context, rcpt Recipient, content template.Content) (string, error) {
	payload := linePushRequest{
		To:       rcpt.Identifier,
		Messages: []lineMessage{{Type: "text", Text: content.Body}},
	}
	headers := map[string]string{
		"Authorization": "Bearer " + a.cfg.ChannelAccessToken,
	}

	status, body, err := postJSON(ctx, a.client, a.cfg.APIURL+"/v2/bot/message/push", headers, payload)
	if err != nil {
		return "", NewTemporary(Line, "request failed: %v", err)
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(Line, status, body)
	}

	var resp linePushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		a.logger.Debug("unparseable LINE response", "error", err)
	}
	if len(resp.SentMessages) > 0 {
		return resp.SentMessages[0].ID, nil
	}

	return "", nil
}
