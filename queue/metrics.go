// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the queue engine.
// A single Metrics instance is shared by all queues; per-queue series are
// split by attribute.
type Metrics struct {
	meter metric.Meter

	messagesEnqueued metric.Int64Counter
	messagesDequeued metric.Int64Counter
	messagesExpired  metric.Int64Counter
	messagesRequeued metric.Int64Counter
	policyRejections metric.Int64Counter

	queueDepth metric.Int64UpDownCounter
	consumers  metric.Int64UpDownCounter
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("queue-engine"),
	}

	var err error

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"queue.messages.enqueued.total",
		metric.WithDescription("Total messages enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEnqueued counter: %w", err)
	}

	m.messagesDequeued, err = m.meter.Int64Counter(
		"queue.messages.dequeued.total",
		metric.WithDescription("Total messages dequeued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDequeued counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"queue.messages.expired.total",
		metric.WithDescription("Total messages removed by TTL expiry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesRequeued, err = m.meter.Int64Counter(
		"queue.messages.requeued.total",
		metric.WithDescription("Total messages returned to their queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRequeued counter: %w", err)
	}

	m.policyRejections, err = m.meter.Int64Counter(
		"queue.policy.rejections.total",
		metric.WithDescription("Total enqueues refused by a queue policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policyRejections counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"queue.depth",
		metric.WithDescription("Current number of resident messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.consumers, err = m.meter.Int64UpDownCounter(
		"queue.consumers.current",
		metric.WithDescription("Current number of consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumers gauge: %w", err)
	}

	return m, nil
}

func queueAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", name))
}

func (m *Metrics) RecordEnqueue(queueName string) {
	ctx := context.Background()
	m.messagesEnqueued.Add(ctx, 1, queueAttr(queueName))
	m.queueDepth.Add(ctx, 1, queueAttr(queueName))
}

func (m *Metrics) RecordDequeue(queueName string) {
	ctx := context.Background()
	m.messagesDequeued.Add(ctx, 1, queueAttr(queueName))
	m.queueDepth.Add(ctx, -1, queueAttr(queueName))
}

func (m *Metrics) RecordExpired(queueName string) {
	m.messagesExpired.Add(context.Background(), 1, queueAttr(queueName))
}

func (m *Metrics) RecordRequeue(queueName string) {
	m.messagesRequeued.Add(context.Background(), 1, queueAttr(queueName))
}

func (m *Metrics) RecordPolicyRejection(queueName string) {
	m.policyRejections.Add(context.Background(), 1, queueAttr(queueName))
}

func (m *Metrics) RecordConsumerAdded(queueName string) {
	m.consumers.Add(context.Background(), 1, queueAttr(queueName))
}

func (m *Metrics) RecordConsumerRemoved(queueName string) {
	m.consumers.Add(context.Background(), -1, queueAttr(queueName))
}
