package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

// InstrumentedRelay implements an instrumented Relay.
type InstrumentedRelay struct {
	relay            relay.Relay
	callCount        instrument.Int64Counter
	latencyHistogram instrument.Int64Histogram
}

var _ relay.Relay = (*InstrumentedRelay)(nil)

// NewInstrumentedRelay creates a new InstrumentedRelay.
func NewInstrumentedRelay(r relay.Relay) (relay.Relay, error) {
	meter := global.MeterProvider().Meter("relayhub")
	callCount, err := meter.Int64Counter("relayhub.relay.call.count")
	if err != nil {
		return &InstrumentedRelay{}, fmt.Errorf("registering call counter: %s", err)
	}
	latencyHistogram, err := meter.Int64Histogram("relayhub.relay.call.latency")
	if err != nil {
		return &InstrumentedRelay{}, fmt.Errorf("registering latency histogram: %s", err)
	}

	return &InstrumentedRelay{r, callCount, latencyHistogram}, nil
}

// QueueTx implements relay.Relay.
func (i *InstrumentedRelay) QueueTx(
	ctx context.Context, req relay.QueueTxRequest,
) (relay.QueueTxResponse, error) {
	start := time.Now()
	resp, err := i.relay.QueueTx(ctx, req)
	i.record(ctx, "QueueTx", int64(req.ChainID), start, err)
	return resp, err
}

// GetTx implements relay.Relay.
func (i *InstrumentedRelay) GetTx(ctx context.Context, queueID string) (relay.TxInfo, error) {
	start := time.Now()
	info, err := i.relay.GetTx(ctx, queueID)
	i.record(ctx, "GetTx", int64(info.ChainID), start, err)
	return info, err
}

// CancelTx implements relay.Relay.
func (i *InstrumentedRelay) CancelTx(ctx context.Context, queueID string) error {
	start := time.Now()
	err := i.relay.CancelTx(ctx, queueID)
	i.record(ctx, "CancelTx", 0, start, err)
	return err
}

// ResetNonces implements relay.Relay.
func (i *InstrumentedRelay) ResetNonces(ctx context.Context, req relay.ResetNoncesRequest) error {
	start := time.Now()
	err := i.relay.ResetNonces(ctx, req)
	i.record(ctx, "ResetNonces", int64(req.ChainID), start, err)
	return err
}

func (i *InstrumentedRelay) record(ctx context.Context, method string, chainID int64, start time.Time, err error) {
	attributes := append([]attribute.KeyValue{
		{Key: "method", Value: attribute.StringValue(method)},
		{Key: "success", Value: attribute.BoolValue(err == nil)},
		{Key: "chainID", Value: attribute.Int64Value(chainID)},
	}, metrics.BaseAttrs...)

	i.callCount.Add(ctx, 1, attributes...)
	i.latencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attributes...)
}
