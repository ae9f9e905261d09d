package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("presence")
	defer b.Unsubscribe(sub)

	b.Publish(TopicPresenceChanged, PresenceChangedEvent{SubjectID: "1", Old: "absent", New: "present"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicPresenceChanged {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicPresenceChanged)
		}
		ev, ok := event.Payload.(PresenceChangedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want PresenceChangedEvent", event.Payload)
		}
		if ev.New != "present" {
			t.Fatalf("New = %q, want present", ev.New)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	queueSub := b.Subscribe("queue.")
	defer b.Unsubscribe(queueSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicQueueEnqueued, QueueMessageEvent{MessageID: "m1"})
	b.Publish(TopicLinkUp, nil)

	select {
	case event := <-queueSub.Ch():
		if event.Topic != TopicQueueEnqueued {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicQueueEnqueued)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue event")
	}

	// queueSub should not see link events.
	select {
	case event := <-queueSub.Ch():
		t.Fatalf("unexpected event on queueSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all-topics event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("delivery")
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity; publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicDeliverySent, DeliveryEvent{MessageID: "m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(TopicQueueExpired, nil)
			}
		}()
	}
	wg.Wait()
}
