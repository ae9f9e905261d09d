package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/consultease/deskunit/internal/bus"
)

// Recorder feeds bus events into the metric instruments so components do
// not carry a metrics dependency themselves.
type Recorder struct {
	metrics  *Metrics
	eventBus *bus.Bus

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRecorder wires the metrics to the bus.
func NewRecorder(metrics *Metrics, eventBus *bus.Bus) *Recorder {
	return &Recorder{metrics: metrics, eventBus: eventBus}
}

// Start launches the recording loop.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.eventBus.Subscribe("")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop halts the recording loop.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicScanCompleted:
		if sc, ok := ev.Payload.(bus.ScanEvent); ok {
			r.metrics.ScanDuration.Record(ctx, sc.Duration.Seconds())
		}
	case bus.TopicPresenceChanged:
		if pc, ok := ev.Payload.(bus.PresenceChangedEvent); ok {
			r.metrics.PresenceTransitions.Add(ctx, 1,
				metric.WithAttributes(AttrPresence.String(pc.New)))
		}
	case bus.TopicQueueEnqueued:
		r.metrics.MessagesEnqueued.Add(ctx, 1, kindAttr(ev))
		r.metrics.QueueDepth.Add(ctx, 1)
	case bus.TopicQueueEvicted, bus.TopicQueueExpired:
		r.metrics.QueueDepth.Add(ctx, -1)
		if ev.Topic == bus.TopicQueueExpired {
			r.metrics.MessagesExpired.Add(ctx, 1, kindAttr(ev))
		}
	case bus.TopicDeliveryAcked:
		r.metrics.MessagesDelivered.Add(ctx, 1, kindAttr(ev))
		r.metrics.QueueDepth.Add(ctx, -1)
		if de, ok := ev.Payload.(bus.DeliveryEvent); ok && de.AckLatency > 0 {
			r.metrics.AckLatency.Record(ctx, de.AckLatency.Seconds())
		}
	case bus.TopicDeliveryFailed:
		r.metrics.MessagesFailed.Add(ctx, 1, kindAttr(ev))
		r.metrics.QueueDepth.Add(ctx, -1)
	case bus.TopicLinkDown:
		r.metrics.LinkDrops.Add(ctx, 1)
	}
}

func kindAttr(ev bus.Event) metric.AddOption {
	var kind string
	switch p := ev.Payload.(type) {
	case bus.QueueMessageEvent:
		kind = p.Kind
	case bus.DeliveryEvent:
		kind = p.Kind
	}
	return metric.WithAttributes(attribute.String("deskunit.message.kind", kind))
}
