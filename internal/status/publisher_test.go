package status

import (
	"context"
	"testing"
	"time"

	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/queue"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func waitForDepth(t *testing.T, q *queue.Queue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Depth() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue depth = %d, want %d", q.Depth(), want)
}

func TestPublisher_EnqueuesOnTransition(t *testing.T) {
	eventBus := bus.New()
	q := queue.New(queue.Config{Capacity: 20}, nil, eventBus, nil)
	p := New(q, eventBus, "consultease/faculty/1/status", time.Minute, nil)
	p.Start(context.Background())
	defer p.Stop()

	eventBus.Publish(bus.TopicPresenceChanged, bus.PresenceChangedEvent{
		SubjectID: "1", Old: "absent", New: "present", At: t0.UnixMilli(),
	})
	waitForDepth(t, q, 1)

	m, ok := q.DequeueNext(t0)
	if !ok {
		t.Fatal("no status update queued")
	}
	if m.Kind != queue.KindStatusUpdate || m.Priority != queue.PriorityUrgent {
		t.Fatalf("message = %+v", m)
	}
	sc := m.Payload.(queue.StatusChange)
	if sc.Status != "present" || sc.SubjectID != "1" {
		t.Fatalf("payload = %+v", sc)
	}
	if !m.ExpiresAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expiry = %v, want +1m", m.ExpiresAt)
	}
}

func TestPublisher_CoalescesWhileOffline(t *testing.T) {
	eventBus := bus.New()
	q := queue.New(queue.Config{Capacity: 20}, nil, eventBus, nil)
	p := New(q, eventBus, "consultease/faculty/1/status", time.Minute, nil)
	p.Start(context.Background())
	defer p.Stop()

	// Three transitions while the link is down: only one entry survives,
	// carrying the newest state.
	for i, status := range []string{"present", "absent", "present"} {
		eventBus.Publish(bus.TopicPresenceChanged, bus.PresenceChangedEvent{
			SubjectID: "1", Old: "absent", New: status,
			At: t0.Add(time.Duration(i) * time.Second).UnixMilli(),
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := q.DequeueNext(t0.Add(3 * time.Second)); ok {
			if sc := m.Payload.(queue.StatusChange); sc.Status == "present" && sc.Timestamp == t0.Add(2*time.Second).UnixMilli() {
				if q.Depth() != 1 {
					t.Fatalf("depth = %d, want 1 coalesced entry", q.Depth())
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("coalesced status update never reached the newest state")
}
