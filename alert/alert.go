// Package alert delivers fire-and-forget operator notifications. Delivery is
// asynchronous and failures never propagate into engine control flow.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event is one operator-facing notification.
type Event struct {
	Subject string
	Detail  string
	At      time.Time
}

func (e Event) render() string {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("[pairhedge] %s | %s | %s", at.UTC().Format(time.RFC3339), e.Subject, e.Detail)
}

// Notifier accepts events without blocking the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop drops every event. Used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Sender delivers one rendered message to the outside world.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Webhook posts messages as {"content": ...} JSON, the payload shape of
// discord-compatible webhooks.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a Webhook sender for the given URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
