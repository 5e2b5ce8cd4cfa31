package impl

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// WebhookDeliverer posts signed payloads to subscription endpoints, retrying
// with exponential backoff. Failed subscriptions surface through Health.
type WebhookDeliverer struct {
	log      zerolog.Logger
	client   *http.Client
	attempts int
	backoff  time.Duration

	mu     sync.Mutex
	health map[string]notifier.DeliveryHealth
}

// NewWebhookDeliverer creates a new deliverer.
func NewWebhookDeliverer(attempts int, backoff, requestTimeout time.Duration) *WebhookDeliverer {
	return &WebhookDeliverer{
		log: logger.With().
			Str("component", "webhookdeliverer").
			Logger(),
		client:   &http.Client{Timeout: requestTimeout},
		attempts: attempts,
		backoff:  backoff,
		health:   map[string]notifier.DeliveryHealth{},
	}
}

// Deliver posts the payload to the subscription, retrying on non-2xx and
// network failures. Exhausting the attempt budget marks the delivery failed;
// it is not retried further.
func (d *WebhookDeliverer) Deliver(ctx context.Context, sub notifier.Subscription, body []byte) error {
	u, err := url.Parse(sub.URL)
	if err != nil {
		// Misconfigured subscription: retrying can't fix the URL.
		d.recordFailure(sub, fmt.Sprintf("invalid url: %s", err))
		return fmt.Errorf("parsing subscription url: %s", err)
	}

	var lastErr error
	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff << (attempt - 1)):
			}
		}
		if lastErr = d.post(ctx, sub, u, body); lastErr == nil {
			d.recordSuccess(sub)
			return nil
		}
		d.log.Warn().
			Err(lastErr).
			Str("subscriptionId", sub.ID).
			Int("attempt", attempt+1).
			Msg("webhook delivery failed")
	}

	d.recordFailure(sub, lastErr.Error())
	return fmt.Errorf("delivery attempts exhausted: %s", lastErr)
}

func (d *WebhookDeliverer) post(
	ctx context.Context, sub notifier.Subscription, u *url.URL, body []byte,
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization",
		macHeader(sub.ID, sub.Secret, u, body, time.Now().UnixMilli(), uuid.NewString()))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing webhook: %s", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.log.Error().Err(err).Msg("closing response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook request failed with status code: %d", resp.StatusCode)
	}
	return nil
}

// Health returns the delivery state of every subscription seen so far.
func (d *WebhookDeliverer) Health() []notifier.DeliveryHealth {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]notifier.DeliveryHealth, 0, len(d.health))
	for _, h := range d.health {
		out = append(out, h)
	}
	return out
}

func (d *WebhookDeliverer) recordSuccess(sub notifier.Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health[sub.ID] = notifier.DeliveryHealth{
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		LastAttempt:    time.Now(),
	}
}

func (d *WebhookDeliverer) recordFailure(sub notifier.Subscription, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.health[sub.ID]
	d.health[sub.ID] = notifier.DeliveryHealth{
		SubscriptionID:      sub.ID,
		URL:                 sub.URL,
		ConsecutiveFailures: h.ConsecutiveFailures + 1,
		LastError:           msg,
		LastAttempt:         time.Now(),
	}
}
