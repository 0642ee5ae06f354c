package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.Nil(t, tel.Registry)

	counter, err := tel.Meter.Int64Counter("versiondb_test_noop")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsEndpointServesInstruments(t *testing.T) {
	ctx := context.Background()
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "versiondb-test", MetricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(ctx)) }()

	counter, err := tel.Meter.Int64Counter("versiondb_test_pings")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	_, span := tel.Tracer.Start(ctx, "probe")
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	resp, err := http.Get("http://" + tel.MetricsListener.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "versiondb_test_pings")
}
