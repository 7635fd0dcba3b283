package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Collector is an SDK meter provider whose totals are read back in-process,
// for the stats endpoint.
type Collector struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

func NewCollector() *Collector {
	reader := sdkmetric.NewManualReader()
	return &Collector{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// Install makes the collector the global meter provider.
func (c *Collector) Install() {
	otel.SetMeterProvider(c.provider)
}

// Recorder returns a recorder whose instruments report to this collector.
func (c *Collector) Recorder() *Recorder {
	return New(c.provider.Meter(meterName))
}

// Totals returns the current value of every integer sum, summed over its
// attribute sets and keyed by instrument name.
func (c *Collector) Totals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			totals[m.Name] += total
		}
	}
	return totals, nil
}

func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}
