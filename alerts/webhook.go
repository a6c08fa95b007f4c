package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookHandler posts alerts as JSON to an HTTP endpoint. When a secret is
// configured, requests carry an HMAC-SHA256 signature in
// X-Hub-Signature-256 so receivers can verify the sender.
type WebhookHandler struct {
	name    string
	url     string
	secret  string
	client  *http.Client
	retries int
}

// WebhookOption configures a webhook handler
type WebhookOption func(*WebhookHandler)

// WithSecret enables HMAC signing of the payload
func WithSecret(secret string) WebhookOption {
	return func(h *WebhookHandler) {
		h.secret = secret
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(h *WebhookHandler) {
		h.client = client
	}
}

// WithRetries sets how many additional delivery attempts are made
func WithRetries(n int) WebhookOption {
	return func(h *WebhookHandler) {
		h.retries = n
	}
}

// NewWebhookHandler creates a webhook alert sink
func NewWebhookHandler(name, url string, options ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 2,
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

func (h *WebhookHandler) Name() string {
	return h.name
}

// HandleAlert implements Handler
func (h *WebhookHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if err := h.post(ctx, data); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", h.retries+1, lastErr)
}

func (h *WebhookHandler) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "resilience-go/1.0")
	if h.secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+h.sign(data))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookHandler) sign(data []byte) string {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
