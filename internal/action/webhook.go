package action

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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/retry"
)

const (
	SignatureHeader = "X-Beacon-Signature"
	webhookAgent    = "beacon-webhook/1.0"
)

// WebhookBody is the JSON document posted to a webhook URL.
type WebhookBody struct {
	WorkflowID string         `json:"workflowId"`
	VisitorID  string         `json:"visitorId"`
	SessionID  string         `json:"sessionId"`
	Page       string         `json:"page"`
	FiredAt    time.Time      `json:"firedAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// WebhookOptions configures a WebhookWorker.
type WebhookOptions struct {
	Timeout time.Duration
	// SigningSecret enables the signature header when set.
	SigningSecret string
	Clock         clock.Clock
	Metrics       metrics.Metrics
}

// WebhookWorker performs single webhook delivery attempts.
type WebhookWorker struct {
	client  *http.Client
	secret  string
	clock   clock.Clock
	metrics metrics.Metrics
}

// NewWebhookWorker creates a WebhookWorker.
func NewWebhookWorker(opts WebhookOptions) *WebhookWorker {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &WebhookWorker{
		client:  &http.Client{Timeout: timeout},
		secret:  opts.SigningSecret,
		clock:   opts.Clock,
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

// Deliver posts body to url once. Network errors and every non-2xx status
// are retryable; only a body or request that cannot be built is fatal.
func (w *WebhookWorker) Deliver(ctx context.Context, url string, headers map[string]string, body WebhookBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		w.metrics.IncWebhookFailure(0, true)
		return retry.Fatal(fmt.Errorf("failed to marshal webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		w.metrics.IncWebhookFailure(0, true)
		return retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, w.secret, w.clock.Now().Unix()))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.metrics.IncWebhookFailure(0, false)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	w.metrics.IncWebhookFailure(resp.StatusCode, false)
	return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
}

// Sign returns the signature header value "t=<ts>,v1=<hex hmac-sha256>" over
// "<ts>." followed by body.
func Sign(body []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
