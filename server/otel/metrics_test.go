// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/ramses-gateway/allowlist"
	"github.com/absmach/ramses-gateway/bridge"
	"github.com/absmach/ramses-gateway/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetricsWithProvider(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()

	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)

	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_BridgeCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMessage(ctx, 120)
	m.RecordMessage(ctx, 80)
	m.RecordMessage(ctx, 3)
	m.RecordDecodeError(ctx)
	m.RecordBroadcast(ctx)
	m.RecordBroadcast(ctx)
	m.RecordReconnect(ctx)

	data := collect(t, reader)
	assert.Equal(t, int64(3), sum(t, data["gateway.messages.received.total"]))
	assert.Equal(t, int64(1), sum(t, data["gateway.messages.decode_errors.total"]))
	assert.Equal(t, int64(2), sum(t, data["gateway.broadcasts.total"]))
	assert.Equal(t, int64(1), sum(t, data["gateway.broker.reconnects.total"]))

	hist, ok := data["gateway.message.size.bytes"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(3), hist.DataPoints[0].Count)
	assert.Equal(t, int64(203), hist.DataPoints[0].Sum)
}

func TestMetrics_AllowListMutations(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAllowListMutation(ctx, allowlist.OpPut, nil)
	m.RecordAllowListMutation(ctx, allowlist.OpPut, nil)
	m.RecordAllowListMutation(ctx, allowlist.OpDelete, errors.New("disk full"))

	data := collect(t, reader)
	s, ok := data["gateway.allowlist.mutations.total"].(metricdata.Sum[int64])
	require.True(t, ok)

	got := make(map[[2]string]int64)
	for _, dp := range s.DataPoints {
		op, _ := dp.Attributes.Value(attribute.Key("op"))
		result, _ := dp.Attributes.Value(attribute.Key("result"))
		got[[2]string{op.AsString(), result.AsString()}] = dp.Value
	}

	assert.Equal(t, map[[2]string]int64{
		{"put", "ok"}:       2,
		{"delete", "error"}: 1,
	}, got)
}

func TestMetrics_StateChanges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStateChange(ctx, bridge.StateDisconnected, bridge.StateConnecting)
	m.RecordStateChange(ctx, bridge.StateConnecting, bridge.StateSubscribed)
	m.RecordStateChange(ctx, bridge.StateSubscribed, bridge.StateDisconnected)
	m.RecordStateChange(ctx, bridge.StateDisconnected, bridge.StateConnecting)

	data := collect(t, reader)
	s, ok := data["gateway.broker.state_changes.total"].(metricdata.Sum[int64])
	require.True(t, ok)

	got := make(map[string]int64)
	for _, dp := range s.DataPoints {
		state, _ := dp.Attributes.Value(attribute.Key("state"))
		got[state.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"connecting": 2, "subscribed": 1, "disconnected": 1}, got)

	g, ok := data["gateway.broker.state"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, int64(bridge.StateConnecting), g.DataPoints[0].Value)
}

func TestMetrics_ClientsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)

	clients := 4
	require.NoError(t, m.ObserveClients(func() int { return clients }))

	data := collect(t, reader)
	g, ok := data["gateway.ws.clients.current"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, int64(4), g.DataPoints[0].Value)

	clients = 1
	data = collect(t, reader)
	g = data["gateway.ws.clients.current"].(metricdata.Gauge[int64])
	assert.Equal(t, int64(1), g.DataPoints[0].Value)
}

func TestNewMetrics_GlobalProvider(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordMessage(context.Background(), 10)
		m.RecordAllowListMutation(context.Background(), allowlist.OpPut, nil)
	})
}

func TestInitProvider_Disabled(t *testing.T) {
	cfg := config.Default().Server
	cfg.OtelMetricsEnabled = false
	cfg.OtelTracesEnabled = false

	shutdown, err := InitProvider(cfg, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
