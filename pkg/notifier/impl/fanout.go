package impl

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventFanout consumes store events and distributes them to webhook
// subscriptions and live websocket subscriptions. It never mutates
// transaction records.
type EventFanout struct {
	log    zerolog.Logger
	config *notifier.Config

	bus       txqueue.Bus
	subs      notifier.SubscriptionStore
	deliverer *WebhookDeliverer
	live      *LiveSubRegistry

	lock           sync.Mutex
	daemonCtx      context.Context
	daemonCancel   context.CancelFunc
	daemonCanceled chan struct{}

	mBaseLabels []attribute.KeyValue
	metrics     fanoutMetrics
}

var _ notifier.Fanout = (*EventFanout)(nil)

// NewEventFanout creates a new fanout.
func NewEventFanout(
	bus txqueue.Bus,
	subs notifier.SubscriptionStore,
	opts ...notifier.Option,
) (*EventFanout, error) {
	config := notifier.DefaultConfig()
	for _, op := range opts {
		if err := op(config); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}

	log := logger.With().
		Str("component", "fanout").
		Logger()

	f := &EventFanout{
		log:       log,
		config:    config,
		bus:       bus,
		subs:      subs,
		deliverer: NewWebhookDeliverer(config.DeliveryAttempts, config.BackoffBase, config.RequestTimeout),
		live:      NewLiveSubRegistry(),
	}
	if err := f.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return f, nil
}

// LiveSubs returns the live subscription registry, for the websocket
// endpoint to register connections on.
func (f *EventFanout) LiveSubs() *LiveSubRegistry {
	return f.live
}

// Health returns the delivery health of every webhook subscription.
func (f *EventFanout) Health() []notifier.DeliveryHealth {
	return f.deliverer.Health()
}

// Start starts consuming events.
func (f *EventFanout) Start() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.daemonCtx != nil {
		return fmt.Errorf("already started")
	}

	f.log.Debug().Msg("starting daemon...")
	ctx, cls := context.WithCancel(context.Background())
	f.daemonCtx = ctx
	f.daemonCancel = cls
	f.daemonCanceled = make(chan struct{})

	events, cancelSub := f.bus.Subscribe()
	go f.daemon(events, cancelSub)
	f.log.Info().Msg("started")

	return nil
}

// Stop stops the fanout gracefully, waiting for in-flight deliveries.
func (f *EventFanout) Stop() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.daemonCtx == nil {
		return
	}

	f.log.Debug().Msg("stopping gracefully...")
	f.daemonCancel()
	<-f.daemonCanceled

	f.daemonCtx = nil
	f.daemonCancel = nil
	f.daemonCanceled = nil
	f.log.Info().Msg("stopped")
}

func (f *EventFanout) daemon(events <-chan txqueue.Event, cancelSub func()) {
	defer close(f.daemonCanceled)
	defer cancelSub()

	// Bounds concurrent webhook deliveries across all events.
	sem := make(chan struct{}, f.config.DeliveryWorkers)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-f.daemonCtx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			f.dispatch(e, sem, &inflight)
		}
	}
}

func (f *EventFanout) dispatch(e txqueue.Event, sem chan struct{}, inflight *sync.WaitGroup) {
	payload := notifier.NewPayload(e)
	body, err := json.Marshal(payload)
	if err != nil {
		f.log.Error().Err(err).Str("queueId", payload.QueueID).Msg("marshaling payload")
		return
	}

	f.live.Notify(payload.QueueID, body, payload.Terminal())
	f.metrics.liveMessages.Add(f.daemonCtx, 1, f.mBaseLabels...)

	subs, err := f.subs.ListActive(f.daemonCtx)
	if err != nil {
		f.log.Error().Err(err).Msg("listing subscriptions")
		return
	}
	for _, sub := range subs {
		if !sub.Matches(payload.Type) {
			continue
		}
		sub := sub
		inflight.Add(1)
		sem <- struct{}{}
		go func() {
			defer inflight.Done()
			defer func() { <-sem }()
			if err := f.deliverer.Deliver(f.daemonCtx, sub, body); err != nil {
				f.metrics.deliveryFailures.Add(f.daemonCtx, 1, f.mBaseLabels...)
				f.log.Error().
					Err(err).
					Str("subscriptionId", sub.ID).
					Str("queueId", payload.QueueID).
					Msg("webhook delivery failed permanently")
				return
			}
			f.metrics.deliveries.Add(f.daemonCtx, 1, f.mBaseLabels...)
		}()
	}
}
