package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/creditscore/internal/metrics"
	"github.com/mbd888/creditscore/internal/retry"
	"github.com/mbd888/creditscore/internal/security"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Creditscore-Event"
	HeaderDelivery  = "X-Creditscore-Delivery"
	HeaderTimestamp = "X-Creditscore-Timestamp"
	HeaderSignature = "X-Creditscore-Signature"
)

const (
	deliveryTimeout = 30 * time.Second
	maxInFlight     = 32
)

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        retry.Policy
	urlValidator func(ctx context.Context, rawURL string) error
	logger       *slog.Logger
	now          func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:        retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		urlValidator: security.ValidateEndpointURL,
		logger:       logger,
		now:          time.Now,
		sem:          make(chan struct{}, maxInFlight),
	}
}

// WithRetryPolicy sets how failed deliveries are retried.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.retry = p
	return d
}

// DispatchToAccount delivers event to every active subscription of account
// that wants its kind. Deliveries run in the background; Wait blocks until
// they finish.
func (d *Dispatcher) DispatchToAccount(ctx context.Context, account string, event *Event) error {
	subs, err := d.store.ListByAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Data.Kind) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.sem <- struct{}{}
			defer func() { <-d.sem }()

			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			d.deliver(ctx, sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
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

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	err := d.send(ctx, sub, event)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	updated, rerr := d.store.RecordDelivery(ctx, sub.ID, errMsg, d.now())
	if rerr != nil {
		d.logger.Warn("failed to record webhook delivery", "webhook", sub.ID, "error", rerr)
	}

	switch {
	case err == nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	case updated != nil && !updated.Active:
		metrics.WebhookDeliveriesTotal.WithLabelValues("deactivated").Inc()
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook", sub.ID, "account", sub.Account, "failures", updated.ConsecutiveFailures, "error", err)
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed", "webhook", sub.ID, "account", sub.Account, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) error {
	if err := d.urlValidator(ctx, sub.URL); err != nil {
		return fmt.Errorf("url rejected: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return d.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(event.Type))
		req.Header.Set(HeaderDelivery, event.ID)
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
		if sub.Secret != "" {
			req.Header.Set(HeaderSignature, "sha256="+Sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}

// Sign returns the hex HMAC-SHA256 of payload under secret. Receivers
// compare it with the X-Creditscore-Signature header after the "sha256="
// prefix.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
