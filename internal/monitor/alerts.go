package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// AlertSink delivers one operator alert.
type AlertSink interface {
	Send(ctx context.Context, message string) error
}

// LogSink writes alerts to the process log. It is always installed.
type LogSink struct{}

func (LogSink) Send(_ context.Context, message string) error {
	log.Printf("🚨 ALERT %s", message)
	return nil
}

// WebhookSink posts {"text": message} to an operator webhook (Slack and
// Discord compatible).
type WebhookSink struct {
	URL        string
	HTTPClient *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Send(ctx context.Context, message string) error {
	body, _ := json.Marshal(map[string]string{"text": message, "content": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", res.StatusCode)
	}
	return nil
}

// Sinks builds the sink list: log always, webhook when url is set.
func Sinks(webhookURL string) []AlertSink {
	sinks := []AlertSink{LogSink{}}
	if webhookURL != "" {
		sinks = append(sinks, NewWebhookSink(webhookURL))
	}
	return sinks
}
