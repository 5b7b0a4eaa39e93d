package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/retry"
)

const (
	batchPath = "/event/batch"
	userAgent = "beacon/1.0"
)

// HTTPSender posts batches to the collector as JSON.
type HTTPSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender creates a sender for the collector at endpoint. The batch
// path is appended to endpoint.
func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		url:    strings.TrimRight(endpoint, "/") + batchPath,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Transport() string {
	return "http"
}

// Send performs one delivery attempt. Any non-2xx status is retryable.
func (s *HTTPSender) Send(ctx context.Context, batch events.Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to marshal batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("collector responded with status: %d", resp.StatusCode)
}
