package beacon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// fakeSubscriber captures the handler so tests can inject messages without
// a broker.
type fakeSubscriber struct {
	subject string
	handler nats.MsgHandler
}

func (f *fakeSubscriber) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject = subj
	f.handler = cb
	return nil, nil
}

func TestBridge_BuffersAndDrainsPerPoll(t *testing.T) {
	fs := &fakeSubscriber{}
	b, err := NewBridge(fs, "consultease/faculty/1/sightings", nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if fs.subject != "consultease/faculty/1/sightings" {
		t.Fatalf("subscribed to %q", fs.subject)
	}

	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fs.handler(&nats.Msg{Data: []byte(fmt.Sprintf(
		`{"identifier":"AA:BB:CC:DD:EE:FF","rssi":-62,"observedAt":%d}`, at.UnixMilli()))})
	fs.handler(&nats.Msg{Data: []byte(`{"identifier":"AA:BB:CC:DD:EE:FF","rssi":-70}`)})

	batch, err := b.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d sightings, want 2", len(batch))
	}
	if batch[0].RSSI != -62 || !batch[0].ObservedAt.Equal(at) {
		t.Fatalf("first sighting = %+v", batch[0])
	}
	if batch[1].ObservedAt.IsZero() {
		t.Fatal("missing observedAt should default to receipt time")
	}

	// Second poll is empty: the batch was drained.
	batch, err = b.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("got %d sightings after drain, want 0", len(batch))
	}
}

func TestBridge_DropsMalformed(t *testing.T) {
	fs := &fakeSubscriber{}
	b, err := NewBridge(fs, "s", nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	fs.handler(&nats.Msg{Data: []byte(`{broken`)})
	fs.handler(&nats.Msg{Data: []byte(`{"rssi":-50}`)}) // no identifier
	batch, _ := b.Poll(context.Background())
	if len(batch) != 0 {
		t.Fatalf("malformed sightings buffered: %+v", batch)
	}
}

func TestBridge_ShedsOldestOnOverflow(t *testing.T) {
	fs := &fakeSubscriber{}
	b, err := NewBridge(fs, "s", nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	for i := 0; i < bufferCap+5; i++ {
		fs.handler(&nats.Msg{Data: []byte(fmt.Sprintf(
			`{"identifier":"AA:BB:CC:DD:EE:FF","rssi":%d}`, -40-i))})
	}
	batch, _ := b.Poll(context.Background())
	if len(batch) != bufferCap {
		t.Fatalf("got %d sightings, want %d", len(batch), bufferCap)
	}
	// The oldest five were shed; the batch starts at the sixth.
	if batch[0].RSSI != -45 {
		t.Fatalf("first RSSI = %d, want -45", batch[0].RSSI)
	}
}

func TestBridge_PollHonorsContext(t *testing.T) {
	fs := &fakeSubscriber{}
	b, err := NewBridge(fs, "s", nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Poll(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
