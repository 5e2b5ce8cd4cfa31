package impl

import (
	"fmt"

	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type monitorMetrics struct {
	mined                instrument.Int64Counter
	gasBumps             instrument.Int64Counter
	externalReplacements instrument.Int64Counter
}

func (m *ConfirmationMonitor) initMetrics(chainID relay.ChainID) error {
	meter := global.MeterProvider().Meter("relayhub")
	m.mBaseLabels = append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, metrics.BaseAttrs...)

	var err error
	m.metrics.mined, err = meter.Int64Counter("relayhub.monitor.mined")
	if err != nil {
		return fmt.Errorf("creating mined metric: %s", err)
	}
	m.metrics.gasBumps, err = meter.Int64Counter("relayhub.monitor.gas.bumps")
	if err != nil {
		return fmt.Errorf("creating gas bumps metric: %s", err)
	}
	m.metrics.externalReplacements, err = meter.Int64Counter("relayhub.monitor.external.replacements")
	if err != nil {
		return fmt.Errorf("creating external replacements metric: %s", err)
	}

	return nil
}
