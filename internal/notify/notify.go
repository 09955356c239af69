// Package notify delivers run completion events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// Notifier receives one event per terminal run transition.
type Notifier interface {
	Notify(ctx context.Context, ev model.CompletionEvent) error
}

// Log writes events to the global logger. Alert-flagged and failed runs are
// logged at warn.
type Log struct{}

// Notify logs ev.
func (Log) Notify(_ context.Context, ev model.CompletionEvent) error {
	log := zap.L().With(zap.String("component", "notify.log"))
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("tenant", ev.TenantID),
		zap.String("template", ev.TemplateID),
		zap.String("status", string(ev.Status)),
		zap.Int64("rows_written", ev.RowsWritten),
		zap.Int64("rows_dropped", ev.RowsDropped),
		zap.Bool("alert", ev.Alert),
	}
	if ev.Alert || ev.Status == model.RunStatusFailed {
		log.Warn("run finished", append(fields, zap.String("error", ev.ErrorSummary), zap.String("class", ev.ErrorClass))...)
		return nil
	}
	log.Info("run finished", fields...)
	return nil
}

// Multi fans an event out to every notifier. All are attempted; their errors
// are joined.
type Multi []Notifier

// Notify delivers ev to each notifier in order.
func (m Multi) Notify(ctx context.Context, ev model.CompletionEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL string
	// AlertsOnly restricts delivery to alert-flagged events.
	AlertsOnly bool
	Timeout    time.Duration
	Retry      resilience.RetryConfig
}

// Webhook posts events as JSON. 5xx and 429 responses are retried.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a Webhook. A zero timeout defaults to 10s.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Notify posts ev to the configured URL.
func (w *Webhook) Notify(ctx context.Context, ev model.CompletionEvent) error {
	if w.cfg.URL == "" || (w.cfg.AlertsOnly && !ev.Alert) {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	retry := w.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(zap.L().With(zap.String("component", "notify.webhook")), "webhook "+ev.RunID)
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "notify: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
