package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookTarget is one webhook destination.
type WebhookTarget struct {
	// Type is one of: slack | teams | http.
	Type string
	URL  string
}

// WebhookSink posts notifications to webhook targets.
type WebhookSink struct {
	targets []WebhookTarget
	client  *http.Client
}

// NewWebhookSink creates a sink for targets. Targets with an empty URL are
// skipped at delivery time.
func NewWebhookSink(targets []WebhookTarget) *WebhookSink {
	return &WebhookSink{
		targets: targets,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers n to every target and joins the failures.
func (w *WebhookSink) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, t := range w.targets {
		if t.URL == "" {
			continue
		}

		var err error
		switch t.Type {
		case "slack":
			err = w.sendSlack(ctx, t.URL, n)
		case "teams":
			err = w.sendTeams(ctx, t.URL, n)
		case "http", "":
			err = w.sendHTTP(ctx, t.URL, n)
		default:
			slog.Warn("notify: unknown webhook type, skipping", "type", t.Type)
			continue
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("%s webhook: %w", t.Type, err))
			continue
		}
		slog.Debug("notify: webhook delivered", "type", t.Type, "kind", n.Kind, "endpoint", n.EndpointID)
	}
	return errors.Join(errs...)
}

func (w *WebhookSink) sendSlack(ctx context.Context, url string, n Notification) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s\n%s", severityLabel(n.Severity), n.Title, n.Message),
	})
	return w.post(ctx, url, body)
}

func (w *WebhookSink) sendTeams(ctx context.Context, url string, n Notification) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(n.Severity),
		"summary":    n.Title,
		"title":      fmt.Sprintf("pulsewatch: %s", n.Title),
		"text":       n.Message,
	}
	body, _ := json.Marshal(payload)
	return w.post(ctx, url, body)
}

func (w *WebhookSink) sendHTTP(ctx context.Context, url string, n Notification) error {
	body, _ := json.Marshal(map[string]interface{}{"notification": n})
	return w.post(ctx, url, body)
}

func (w *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
