package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts each notification as JSON to a fixed URL.
type WebhookSink struct {
	URL    string
	Secret string
	client *http.Client
}

func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{URL: url, Secret: secret, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reviewlog-Event", string(n.Event.Type))
	req.Header.Set("X-Reviewlog-Delivery", n.Event.ID)
	req.Header.Set("X-Reviewlog-User", n.UserID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Reviewlog-Secret", s.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", s.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
