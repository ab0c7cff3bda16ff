package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookSender posts each notification as JSON to a delivery service.
// Transport errors and 5xx responses are retried with exponential backoff;
// other non-2xx responses are not.
type WebhookSender struct {
	url             string
	client          *http.Client
	maxAttempts     int
	initialInterval time.Duration
}

func NewWebhookSender(url string, client *http.Client, maxAttempts int) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &WebhookSender{
		url:             url,
		client:          client,
		maxAttempts:     maxAttempts,
		initialInterval: 200 * time.Millisecond,
	}
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialInterval
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxAttempts-1)), ctx)
	return backoff.Retry(func() error { return s.post(ctx, n, body) }, b)
}

func (s *WebhookSender) post(ctx context.Context, n Notification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Handiehub-Event", string(n.Event))
	if n.RequestID != "" {
		req.Header.Set("X-Request-ID", n.RequestID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("notification endpoint returned %d", resp.StatusCode))
	}
}
