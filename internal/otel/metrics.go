package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all desk unit metric instruments.
type Metrics struct {
	ScanDuration        metric.Float64Histogram
	PresenceTransitions metric.Int64Counter
	QueueDepth          metric.Int64UpDownCounter
	MessagesEnqueued    metric.Int64Counter
	MessagesDelivered   metric.Int64Counter
	MessagesExpired     metric.Int64Counter
	MessagesFailed      metric.Int64Counter
	AckLatency          metric.Float64Histogram
	LinkDrops           metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ScanDuration, err = meter.Float64Histogram("deskunit.scan.duration",
		metric.WithDescription("Beacon scan poll duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PresenceTransitions, err = meter.Int64Counter("deskunit.presence.transitions",
		metric.WithDescription("Externally visible presence transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("deskunit.queue.depth",
		metric.WithDescription("Current message queue depth"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesEnqueued, err = meter.Int64Counter("deskunit.queue.enqueued",
		metric.WithDescription("Messages accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("deskunit.delivery.acknowledged",
		metric.WithDescription("Messages delivered and acknowledged"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesExpired, err = meter.Int64Counter("deskunit.queue.expired",
		metric.WithDescription("Messages expired before delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesFailed, err = meter.Int64Counter("deskunit.delivery.failed",
		metric.WithDescription("Messages that exhausted their retries"),
	)
	if err != nil {
		return nil, err
	}

	m.AckLatency, err = meter.Float64Histogram("deskunit.delivery.ack_latency",
		metric.WithDescription("Send-to-acknowledgement latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LinkDrops, err = meter.Int64Counter("deskunit.link.drops",
		metric.WithDescription("Broker link disconnect events"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
