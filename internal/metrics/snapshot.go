package metrics

import (
	"context"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Collector is the part of an OpenTelemetry reader Snapshot needs.
type Collector interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

// NewProvider returns a meter provider whose instruments can be read back
// on demand through the returned reader.
func NewProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// Snapshot flattens the current instrument values into name → value.
// Sums are totalled across attribute sets. Histograms are reported as
// <name>.count and <name>.sum.
func Snapshot(ctx context.Context, c Collector) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := c.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = float64(total)
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Histogram[float64]:
				var count uint64
				var total float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					total += dp.Sum
				}
				out[m.Name+".count"] = float64(count)
				out[m.Name+".sum"] = total
			}
		}
	}
	return out, nil
}
