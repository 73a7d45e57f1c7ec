// Package notify delivers run summaries to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"paper_trader/internal/core"
)

// Notifier publishes a run report summary. Delivery failures never affect the
// cycle outcome.
type Notifier interface {
	NotifyRun(ctx context.Context, report *core.RunReport)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyRun(context.Context, *core.RunReport) {}

// WebhookNotifier posts the telegram text to a webhook with retries and a
// circuit breaker.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	pipeline failsafe.Executor[*http.Response]
	logger   core.ILogger
}

// NewWebhookNotifier builds a notifier for the URL. An empty URL yields a
// NopNotifier.
func NewWebhookNotifier(url string, logger core.ILogger) Notifier {
	if url == "" {
		return NopNotifier{}
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
		logger:   logger.WithField("component", "webhook_notifier"),
	}
}

type webhookPayload struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Symbol   string `json:"symbol"`
	CandleTS string `json:"candle_ts"`
	Text     string `json:"text"`
}

// NotifyRun posts the report's telegram text. Errors are logged and dropped.
func (n *WebhookNotifier) NotifyRun(ctx context.Context, report *core.RunReport) {
	payload := webhookPayload{
		RunID:    report.RunID,
		Status:   string(report.Status),
		Symbol:   report.Symbol,
		CandleTS: report.CandleTS.UTC().Format(time.RFC3339),
		Text:     report.TelegramText,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("Failed to marshal webhook payload", "error", err)
		return
	}

	resp, err := n.pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return n.client.Do(req)
	})
	if err != nil {
		n.logger.Warn("Webhook delivery failed", "run_id", report.RunID, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		n.logger.Warn("Webhook rejected notification",
			"run_id", report.RunID, "status", fmt.Sprintf("%d", resp.StatusCode))
		return
	}
	n.logger.Debug("Webhook notified", "run_id", report.RunID)
}
