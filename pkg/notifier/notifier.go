package notifier

import (
	"context"
	"fmt"
	"time"
)

// Subscription is a configured webhook receiver. Deliveries to it are signed
// with its secret.
type Subscription struct {
	ID        string
	URL       string
	Secret    string
	EventType string
	Active    bool
	CreatedAt time.Time
}

// EventTypeAll subscribes a webhook to every event type.
const EventTypeAll = "all"

// Matches reports whether the subscription wants events of the given type.
func (s Subscription) Matches(eventType string) bool {
	return s.EventType == EventTypeAll || s.EventType == eventType
}

// SubscriptionStore manages webhook subscriptions. The fanout only reads
// them; creation and revocation happen through configuration.
type SubscriptionStore interface {
	Create(ctx context.Context, url, secret, eventType string) (Subscription, error)
	ListActive(ctx context.Context) ([]Subscription, error)
	Deactivate(ctx context.Context, id string) error
}

// LiveSub is a registered live subscription. Write shares the connection's
// write lock with fanout deliveries, so callers and the fanout never
// interleave frames. Cancel removes the registration without closing the
// underlying connection.
type LiveSub interface {
	Write(payload []byte) error
	Cancel()
}

// Fanout turns store state transitions into webhook deliveries and live
// subscription messages.
type Fanout interface {
	Start() error
	Stop()
}

// DeliveryHealth is the operator-visible delivery state of one subscription.
type DeliveryHealth struct {
	SubscriptionID      string    `json:"subscriptionId"`
	URL                 string    `json:"url"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastAttempt         time.Time `json:"lastAttempt"`
}

// Config contains configuration attributes for the notification fanout.
type Config struct {
	DeliveryAttempts int
	BackoffBase      time.Duration
	RequestTimeout   time.Duration
	DeliveryWorkers  int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DeliveryAttempts: 5,
		BackoffBase:      time.Second,
		RequestTimeout:   time.Second * 5,
		DeliveryWorkers:  8,
	}
}

// Option modifies a configuration attribute.
type Option func(*Config) error

// WithDeliveryAttempts sets how many times a webhook delivery is tried
// before it is marked failed.
func WithDeliveryAttempts(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("delivery attempts cannot be less than 1")
		}
		c.DeliveryAttempts = n
		return nil
	}
}

// WithBackoffBase sets the first retry delay; later retries double it.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Config) error {
		if d < time.Millisecond {
			return fmt.Errorf("backoff base is too low (<1ms)")
		}
		c.BackoffBase = d
		return nil
	}
}

// WithRequestTimeout bounds a single webhook POST.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d < time.Millisecond*100 {
			return fmt.Errorf("request timeout is too low (<100ms)")
		}
		c.RequestTimeout = d
		return nil
	}
}

// WithDeliveryWorkers bounds concurrent webhook deliveries.
func WithDeliveryWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("delivery workers cannot be less than 1")
		}
		c.DeliveryWorkers = n
		return nil
	}
}
