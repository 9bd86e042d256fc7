// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/ramses-gateway/allowlist"
	"github.com/absmach/ramses-gateway/bridge"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Meter name used for all gateway instruments.
const meterName = "ramses-gateway"

var (
	_ bridge.Recorder    = (*Metrics)(nil)
	_ allowlist.Recorder = (*Metrics)(nil)
)

// Metrics holds OpenTelemetry metric instruments for the gateway.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesReceived   metric.Int64Counter
	decodeErrors       metric.Int64Counter
	broadcasts         metric.Int64Counter
	reconnects         metric.Int64Counter
	allowListMutations metric.Int64Counter
	stateChanges       metric.Int64Counter

	// Histograms
	messageSize metric.Int64Histogram

	brokerState metric.Int64Gauge

	clientsGauge metric.Int64ObservableGauge
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates the instruments on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.messagesReceived, err = m.meter.Int64Counter(
		"gateway.messages.received.total",
		metric.WithDescription("Total messages received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.decodeErrors, err = m.meter.Int64Counter(
		"gateway.messages.decode_errors.total",
		metric.WithDescription("Total broker messages discarded as invalid JSON"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decodeErrors counter: %w", err)
	}

	m.broadcasts, err = m.meter.Int64Counter(
		"gateway.broadcasts.total",
		metric.WithDescription("Total messages pushed to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcasts counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"gateway.broker.reconnects.total",
		metric.WithDescription("Total broker reconnection attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.allowListMutations, err = m.meter.Int64Counter(
		"gateway.allowlist.mutations.total",
		metric.WithDescription("Total approved device mutations by operation and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create allowListMutations counter: %w", err)
	}

	m.stateChanges, err = m.meter.Int64Counter(
		"gateway.broker.state_changes.total",
		metric.WithDescription("Total broker connection state transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateChanges counter: %w", err)
	}

	m.brokerState, err = m.meter.Int64Gauge(
		"gateway.broker.state",
		metric.WithDescription("Current broker connection state (0 disconnected, 1 connecting, 2 subscribed, 3 closed)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create brokerState gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"gateway.message.size.bytes",
		metric.WithDescription("Broker message payload size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

// ObserveClients registers the connected push client gauge.
func (m *Metrics) ObserveClients(count func() int) error {
	gauge, err := m.meter.Int64ObservableGauge(
		"gateway.ws.clients.current",
		metric.WithDescription("Current number of connected push clients"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create clients gauge: %w", err)
	}
	m.clientsGauge = gauge
	return nil
}

// RecordMessage records a message received from the broker.
func (m *Metrics) RecordMessage(ctx context.Context, size int) {
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, int64(size))
}

// RecordDecodeError records a discarded payload.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	m.decodeErrors.Add(ctx, 1)
}

// RecordBroadcast records a message pushed to clients.
func (m *Metrics) RecordBroadcast(ctx context.Context) {
	m.broadcasts.Add(ctx, 1)
}

// RecordReconnect records a broker reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.reconnects.Add(ctx, 1)
}

// RecordAllowListMutation records a put or delete and whether it persisted.
func (m *Metrics) RecordAllowListMutation(ctx context.Context, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.allowListMutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

// RecordStateChange records a broker connection state transition.
func (m *Metrics) RecordStateChange(ctx context.Context, _, to bridge.State) {
	m.stateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to.String())))
	m.brokerState.Record(ctx, int64(to))
}
