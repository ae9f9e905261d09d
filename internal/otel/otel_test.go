package otel

import (
	"context"
	"testing"
	"time"

	"github.com/consultease/deskunit/internal/bus"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider must still expose tracer and meter")
	}
	// Instruments work against the noop meter.
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "scan.poll",
		AttrSubjectID.String("1"))
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestRecorder_ConsumesBusEvents(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	metrics, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eventBus := bus.New()
	r := NewRecorder(metrics, eventBus)
	r.Start(context.Background())

	eventBus.Publish(bus.TopicScanCompleted, bus.ScanEvent{Duration: 40 * time.Millisecond, Sightings: 2})
	eventBus.Publish(bus.TopicQueueEnqueued, bus.QueueMessageEvent{Kind: "StatusUpdate"})
	eventBus.Publish(bus.TopicDeliveryAcked, bus.DeliveryEvent{Kind: "StatusUpdate", AckLatency: 800 * time.Millisecond})
	eventBus.Publish(bus.TopicLinkDown, nil)

	// Give the loop a moment to drain, then stop cleanly.
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}
