package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coldbell/pricecaster/relayer/internal/config"
)

func TestCountersAndReset(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	defer s.Close()

	s.RecordSubmitted(3)
	s.RecordSuccess(2)
	s.RecordFailure(1)
	s.RecordSubmitError(4)
	s.RecordCycleTime(2 * time.Second)
	s.RecordCycleTime(4 * time.Second)

	snap := s.Snapshot()
	require.EqualValues(t, 3, snap.Submitted)
	require.EqualValues(t, 2, snap.Succeeded)
	require.EqualValues(t, 1, snap.Failed)
	require.EqualValues(t, 4, snap.SubmitErrors)
	require.EqualValues(t, 2, snap.Cycles)
	require.Equal(t, 2*time.Second, snap.MinCycleTime)
	require.Equal(t, 4*time.Second, snap.MaxCycleTime)
	require.Equal(t, 3*time.Second, snap.AvgCycleTime)

	s.Reset()
	snap = s.Snapshot()
	require.Zero(t, snap.Submitted)
	require.Zero(t, snap.Cycles)
	require.Zero(t, snap.AvgCycleTime)
}

func TestInstrumentsExported(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	s, err := New(provider.Meter("test"))
	require.NoError(t, err)
	defer s.Close()

	s.RecordSuccess(5)
	s.RecordCycleTime(time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = m.Data
		}
	}
	require.Contains(t, found, "relayer.cycle.duration")

	gauge, ok := found["relayer.tx.succeeded"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	require.EqualValues(t, 5, gauge.DataPoints[0].Value)
}

func TestMeterProviderBacksGlobalMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider, err := NewMeterProvider(context.Background(), config.MetricsConfig{ServiceName: "relayer-test"}, reader)
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	// a nil meter resolves through the provider just installed
	s, err := New(nil)
	require.NoError(t, err)
	defer s.Close()
	s.RecordSubmitted(2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	service, ok := rm.Resource.Set().Value("service.name")
	require.True(t, ok)
	require.Equal(t, "relayer-test", service.AsString())

	var submitted int64 = -1
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if gauge, ok := m.Data.(metricdata.Gauge[int64]); ok && m.Name == "relayer.tx.submitted" {
				submitted = gauge.DataPoints[0].Value
			}
		}
	}
	require.EqualValues(t, 2, submitted)
}

func TestMeterProviderWithCollector(t *testing.T) {
	provider, err := NewMeterProvider(context.Background(), config.MetricsConfig{
		OTLPEndpoint:   "127.0.0.1:4317",
		Insecure:       true,
		ExportInterval: time.Hour,
		ServiceName:    "relayer-test",
	})
	require.NoError(t, err)

	// nothing listens on the endpoint, so the final export may fail
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = provider.Shutdown(ctx)
}
