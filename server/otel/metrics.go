// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the message delivery server.
type Metrics struct {
	meter metric.Meter

	// Counters
	registrationsTotal metric.Int64Counter
	disconnections     metric.Int64Counter
	messagesReceived   metric.Int64Counter
	messagesRouted     metric.Int64Counter
	messagesFailed     metric.Int64Counter
	duplicatesTotal    metric.Int64Counter
	bytesReceived      metric.Int64Counter
	controlTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	messageSize    metric.Int64Histogram
	routeDuration  metric.Float64Histogram
	directDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("mds"),
	}

	var err error

	if m.registrationsTotal, err = m.meter.Int64Counter(
		"mds.registrations.total",
		metric.WithDescription("Total number of accepted registrations by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create registrationsTotal counter: %w", err)
	}

	if m.disconnections, err = m.meter.Int64Counter(
		"mds.disconnections.total",
		metric.WithDescription("Total number of closed communicator connections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create disconnections counter: %w", err)
	}

	if m.messagesReceived, err = m.meter.Int64Counter(
		"mds.messages.received.total",
		metric.WithDescription("Total data messages received"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	if m.messagesRouted, err = m.meter.Int64Counter(
		"mds.messages.routed.total",
		metric.WithDescription("Total data messages accepted for delivery by destination class"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesRouted counter: %w", err)
	}

	if m.messagesFailed, err = m.meter.Int64Counter(
		"mds.messages.failed.total",
		metric.WithDescription("Total data messages answered with a failure result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	if m.duplicatesTotal, err = m.meter.Int64Counter(
		"mds.messages.duplicates.total",
		metric.WithDescription("Total retried messages acknowledged without processing"),
	); err != nil {
		return nil, fmt.Errorf("failed to create duplicatesTotal counter: %w", err)
	}

	if m.bytesReceived, err = m.meter.Int64Counter(
		"mds.bytes.received.total",
		metric.WithDescription("Total payload bytes received"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	if m.controlTotal, err = m.meter.Int64Counter(
		"mds.control.total",
		metric.WithDescription("Total control-plane requests by type"),
	); err != nil {
		return nil, fmt.Errorf("failed to create controlTotal counter: %w", err)
	}

	if m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mds.connections.current",
		metric.WithDescription("Current number of registered communicator connections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	if m.messageSize, err = m.meter.Int64Histogram(
		"mds.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	if m.routeDuration, err = m.meter.Float64Histogram(
		"mds.route.duration.ms",
		metric.WithDescription("Routing decision and hand-off duration in milliseconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create routeDuration histogram: %w", err)
	}

	if m.directDuration, err = m.meter.Float64Histogram(
		"mds.direct_send.duration.ms",
		metric.WithDescription("Round trip of directly sent messages in milliseconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create directDuration histogram: %w", err)
	}

	return m, nil
}

// RecordRegistration records an accepted registration.
func (m *Metrics) RecordRegistration(kind string) {
	ctx := context.Background()
	m.registrationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a closed registered connection.
func (m *Metrics) RecordDisconnection(kind string) {
	ctx := context.Background()
	m.disconnections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a data message received from a communicator or peer.
func (m *Metrics) RecordMessageReceived(rule string, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("transmit_rule", rule)))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordRouted records a message handed to a destination queue.
func (m *Metrics) RecordRouted(class string, durationMs float64) {
	ctx := context.Background()
	m.messagesRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	m.routeDuration.Record(ctx, durationMs)
}

// RecordFailed records a message answered with a failure result.
func (m *Metrics) RecordFailed(reason string) {
	m.messagesFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordDuplicate records a retried message short-circuited by deduplication.
func (m *Metrics) RecordDuplicate() {
	m.duplicatesTotal.Add(context.Background(), 1)
}

// RecordControl records a control-plane request.
func (m *Metrics) RecordControl(typ string) {
	m.controlTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordDirectSend records the round trip of a directly sent message.
func (m *Metrics) RecordDirectSend(durationMs float64, success bool) {
	m.directDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}
