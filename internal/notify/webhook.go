package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
)

const (
	channelWebhook        = "webhook"
	webhookClientTimeout  = 10 * time.Second
	webhookErrorBodyLimit = 512
)

// ErrInvalidWebhookURL reports a malformed webhook endpoint.
var ErrInvalidWebhookURL = errors.New("invalid webhook url")

// WebhookNotifier posts alerts to a chat webhook (Slack-compatible "text" payload).
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
}

type webhookPayload struct {
	Text  string       `json:"text"`
	Alert webhookAlert `json:"alert"`
}

type webhookAlert struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	UserID    string          `json:"userId,omitempty"`
	Meta      json.RawMessage `json:"meta"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewWebhookNotifier validates the endpoint; a nil client gets a default with a timeout.
func NewWebhookNotifier(endpoint string, httpClient *http.Client) (*WebhookNotifier, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWebhookURL, endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: webhookClientTimeout}
	}
	return &WebhookNotifier{endpoint: endpoint, httpClient: httpClient}, nil
}

// Channel names the delivery channel.
func (notifier *WebhookNotifier) Channel() string {
	return channelWebhook
}

// Notify posts the alert and expects a 2xx response.
func (notifier *WebhookNotifier) Notify(ctx context.Context, alert ledger.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Text: Subject(alert),
		Alert: webhookAlert{
			ID:        alert.ID,
			Type:      string(alert.Type),
			Severity:  string(alert.Severity),
			UserID:    alert.UserID,
			Meta:      json.RawMessage(alert.Meta.String()),
			CreatedAt: alert.CreatedAt.UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := notifier.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, webhookErrorBodyLimit))
		return fmt.Errorf("webhook returned status %d: %s", response.StatusCode, string(snippet))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
