package impl

import (
	"fmt"

	"github.com/relayhub/go-relay/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type coordinatorMetrics struct {
	allocations        instrument.Int64Counter
	releases           instrument.Int64Counter
	resyncs            instrument.Int64Counter
	allocationTimeouts instrument.Int64Counter
}

func (c *LockingCoordinator) initMetrics() error {
	meter := global.MeterProvider().Meter("relayhub")
	c.mBaseLabels = append([]attribute.KeyValue{}, metrics.BaseAttrs...)

	var err error
	c.metrics.allocations, err = meter.Int64Counter("relayhub.nonce.allocations")
	if err != nil {
		return fmt.Errorf("creating allocations metric: %s", err)
	}
	c.metrics.releases, err = meter.Int64Counter("relayhub.nonce.releases")
	if err != nil {
		return fmt.Errorf("creating releases metric: %s", err)
	}
	c.metrics.resyncs, err = meter.Int64Counter("relayhub.nonce.resyncs")
	if err != nil {
		return fmt.Errorf("creating resyncs metric: %s", err)
	}
	c.metrics.allocationTimeouts, err = meter.Int64Counter("relayhub.nonce.allocation.timeouts")
	if err != nil {
		return fmt.Errorf("creating allocation timeouts metric: %s", err)
	}

	return nil
}
