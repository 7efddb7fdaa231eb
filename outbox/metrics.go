package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	published       metric.Int64Counter
	failed          metric.Int64Counter
	stateFailed     metric.Int64Counter
	cycleLatency    metric.Float64Histogram
	claimedDepth    metric.Int64Gauge
	sweptProcessing metric.Int64Counter
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventflow.outbox.processor")

	var (
		metrics processorMetrics
		err     error
	)

	metrics.published, err = meter.Int64Counter(
		"outbox.messages.published",
		metric.WithDescription("Number of outbox messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages whose publish attempt failed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.stateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages published but not persisted as processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.cycle.latency",
		metric.WithDescription("Time taken per processing cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.cycle.latency histogram: %w", err)
	}

	metrics.claimedDepth, err = meter.Int64Gauge(
		"outbox.claimed.depth",
		metric.WithDescription("Number of outbox messages claimed in a processing cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.claimed.depth gauge: %w", err)
	}

	metrics.sweptProcessing, err = meter.Int64Counter(
		"outbox.messages.swept",
		metric.WithDescription("Number of stuck PROCESSING messages swept back for retry"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.messages.swept counter: %w", err)
	}

	return metrics, nil
}
