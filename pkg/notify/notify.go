package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notification is the final status of a run.
type Notification struct {
	RunID       string        `json:"run_id"`
	Pipeline    string        `json:"pipeline"`
	Status      string        `json:"status"`
	Succeeded   bool          `json:"succeeded"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Message     string        `json:"message"`
	Image       string        `json:"image,omitempty"`
	Namespace   string        `json:"namespace,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Notifier delivers run notifications to an observability sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n at info level on success and error level otherwise.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	ev := l.logger.Info() //nolint:zerologlint // Msg for ev is called later
	if !n.Succeeded {
		ev = l.logger.Error() //nolint:zerologlint // Msg for ev is called later
	}
	ev.Str("run_id", n.RunID).
		Str("pipeline", n.Pipeline).
		Str("status", n.Status).
		Str("failed_stage", n.FailedStage).
		Dur("duration", n.Duration).
		Msg(n.Message)
	return nil
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. A nil client uses a
// client with a 10s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify posts n to the webhook URL. Non-2xx responses are errors.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post notification: webhook returned %s", resp.Status)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify calls every notifier even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
