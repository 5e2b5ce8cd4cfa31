package impl

import (
	"fmt"

	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type submitterMetrics struct {
	broadcasts        instrument.Int64Counter
	transientFailures instrument.Int64Counter
}

func (s *QueueSubmitter) initMetrics(chainID relay.ChainID) error {
	meter := global.MeterProvider().Meter("relayhub")
	s.mBaseLabels = append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, metrics.BaseAttrs...)

	var err error
	s.metrics.broadcasts, err = meter.Int64Counter("relayhub.submitter.broadcasts")
	if err != nil {
		return fmt.Errorf("creating broadcasts metric: %s", err)
	}
	s.metrics.transientFailures, err = meter.Int64Counter("relayhub.submitter.transient.failures")
	if err != nil {
		return fmt.Errorf("creating transient failures metric: %s", err)
	}

	return nil
}
