// Package webhook delivers verification results to the caller's callback URL.
//
// Delivery is fire-and-forget and at most once: Notify returns immediately,
// a single POST is attempted in the background, and failures are logged and
// dropped. There are no retries so the chat reply never waits on the caller.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgverify/server/internal/phone"
)

// EventVerificationSuccess is the only event currently emitted.
const EventVerificationSuccess = "verification_success"

// Payload is the JSON body POSTed to the webhook URL.
type Payload struct {
	Event      string    `json:"event"`
	Token      string    `json:"token"`
	Status     string    `json:"status"`
	Phone      string    `json:"phone"`
	TelegramID int64     `json:"telegram_id"`
	FirstName  string    `json:"first_name"`
	VerifiedAt time.Time `json:"verified_at"`
	Secret     string    `json:"secret,omitempty"`
}

// Dispatcher sends webhook notifications asynchronously.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// NewDispatcher creates a dispatcher whose deliveries are bounded by timeout.
func NewDispatcher(timeout time.Duration, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify schedules one delivery of payload to webhookURL and returns without
// waiting. An empty URL is a no-op.
func (d *Dispatcher) Notify(webhookURL string, payload Payload) {
	if webhookURL == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn().Str("token", payload.Token).Msg("dispatcher closed, webhook dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Interface("panic", r).Str("token", payload.Token).Msg("webhook delivery panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		start := time.Now()
		err := d.deliver(ctx, webhookURL, payload)
		evt := d.logger.Info()
		if err != nil {
			evt = d.logger.Warn().Err(err)
		}
		evt.Str("token", payload.Token).
			Str("phone", phone.Mask(payload.Phone)).
			Dur("took", time.Since(start)).
			Msg("webhook delivery finished")
	}()
}

// Close stops accepting notifications and waits for in-flight deliveries
// until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, webhookURL string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tgverify-webhook/1")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
