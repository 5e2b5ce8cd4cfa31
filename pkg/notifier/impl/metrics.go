package impl

import (
	"fmt"

	"github.com/relayhub/go-relay/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type fanoutMetrics struct {
	deliveries       instrument.Int64Counter
	deliveryFailures instrument.Int64Counter
	liveMessages     instrument.Int64Counter
}

func (f *EventFanout) initMetrics() error {
	meter := global.MeterProvider().Meter("relayhub")
	f.mBaseLabels = append([]attribute.KeyValue{}, metrics.BaseAttrs...)

	var err error
	f.metrics.deliveries, err = meter.Int64Counter("relayhub.fanout.webhook.deliveries")
	if err != nil {
		return fmt.Errorf("creating deliveries metric: %s", err)
	}
	f.metrics.deliveryFailures, err = meter.Int64Counter("relayhub.fanout.webhook.delivery.failures")
	if err != nil {
		return fmt.Errorf("creating delivery failures metric: %s", err)
	}
	f.metrics.liveMessages, err = meter.Int64Counter("relayhub.fanout.live.messages")
	if err != nil {
		return fmt.Errorf("creating live messages metric: %s", err)
	}

	return nil
}
