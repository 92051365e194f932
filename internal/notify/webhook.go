package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimwatch/internal/config"
	"claimwatch/internal/errs"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookChannel POSTs a JSON document per notification. When a secret is
// configured the body is signed with HMAC-SHA256 in X-Claimwatch-Signature.
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
}

type webhookEvent struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	TS        string         `json:"ts"`
}

func NewWebhookChannel(cfg config.WebhookConfig, client *http.Client) (*WebhookChannel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("notify.webhook.url is required: %w", errs.ErrInvalidConfiguration)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookChannel{url: cfg.URL, secret: cfg.Secret, client: client}, nil
}

func (c *WebhookChannel) Send(ctx context.Context, recipient string, msg Message) error {
	body := webhookEvent{
		ID:        uuid.NewString(),
		Kind:      msg.Kind,
		Recipient: recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Data:      msg.Data,
		TS:        time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Claimwatch-Event", msg.Kind)
	req.Header.Set("X-Claimwatch-Delivery", body.ID)
	if c.secret != "" {
		req.Header.Set("X-Claimwatch-Signature", "sha256="+Sign(c.secret, data))
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %v: %w", err, errs.ErrExternalUnavailable)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("webhook: status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%v: %w", err, errs.ErrExternalUnavailable)
		}
		return err
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
