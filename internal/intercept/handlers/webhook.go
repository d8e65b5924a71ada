package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/MrWong99/voicegate/internal/resilience"
)

// DefaultWebhookTimeout bounds one webhook delivery.
const DefaultWebhookTimeout = 5 * time.Second

// WebhookEvent is the JSON body posted for every text message.
type WebhookEvent struct {
	Event       string  `json:"event"`
	UserID      string  `json:"user_id"`
	SessionID   string  `json:"session_id"`
	RequestID   string  `json:"request_id"`
	Timestamp   float64 `json:"timestamp"`
	MessageType string  `json:"message_type"`
}

// Webhook posts text messages to an external HTTP endpoint from the
// background pool. A circuit breaker stops calls to a failing receiver.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	submit  intercept.Submitter
	timeout time.Duration
	log     *slog.Logger
}

var _ intercept.Handler = (*Webhook)(nil)

// WebhookOption configures a [Webhook].
type WebhookOption func(*Webhook)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookTimeout bounds each delivery.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) WebhookOption {
	return func(w *Webhook) { w.breaker = cb }
}

// NewWebhook creates a Webhook posting to url on submit.
func NewWebhook(url string, submit intercept.Submitter, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{},
		submit:  submit,
		timeout: DefaultWebhookTimeout,
		log:     slog.Default().With("handler", "external_api"),
	}
	for _, o := range opts {
		o(w)
	}
	if w.breaker == nil {
		w.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "webhook",
			OnStateChange: func(name string, from, to resilience.State) {
				w.log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return w
}

// Name implements [intercept.Handler].
func (w *Webhook) Name() string { return "external_api" }

// Handle implements [intercept.Handler]. Audio frames are not forwarded.
func (w *Webhook) Handle(_ context.Context, rec intercept.Record, _ intercept.Message) error {
	if !intercept.IsText(rec.Kind) {
		return nil
	}
	ev := WebhookEvent{
		Event:       "user_request",
		UserID:      rec.DeviceID,
		SessionID:   rec.SessionID,
		RequestID:   rec.RequestID,
		Timestamp:   float64(rec.Timestamp.UnixMicro()) / 1e6,
		MessageType: rec.Kind,
	}
	if err := w.submit.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		err := w.breaker.Execute(ctx, func(ctx context.Context) error { return w.post(ctx, ev) })
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			w.log.Debug("webhook skipped, circuit open", "request_id", ev.RequestID)
		case err != nil:
			w.log.Error("webhook delivery failed", "request_id", ev.RequestID, "err", err)
		}
	}); err != nil {
		return fmt.Errorf("handlers: queue webhook %s: %w", rec.RequestID, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("handlers: encode webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("handlers: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("handlers: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("handlers: webhook returned %s", resp.Status)
	}
	return nil
}
