// Package status turns presence transitions into outbound status updates.
// Updates are coalesced: if one is still pending when the next transition
// lands, the pending entry is rewritten so the broker only ever sees the
// latest state.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/queue"
)

// Publisher subscribes to presence transitions and enqueues status updates.
type Publisher struct {
	q        *queue.Queue
	eventBus *bus.Bus
	topic    string
	expiry   time.Duration
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New prepares a publisher for the given status subject. expiry is short
// by design: a stale status update is misinformation.
func New(q *queue.Queue, eventBus *bus.Bus, topic string, expiry time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		q:        q,
		eventBus: eventBus,
		topic:    topic,
		expiry:   expiry,
		logger:   logger,
	}
}

// Start launches the subscription loop.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	sub := p.eventBus.Subscribe(bus.TopicPresenceChanged)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				pc, valid := ev.Payload.(bus.PresenceChangedEvent)
				if !valid {
					continue
				}
				p.publish(ctx, pc)
			}
		}
	}()
}

// Stop halts the subscription loop.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Publisher) publish(ctx context.Context, pc bus.PresenceChangedEvent) {
	now := time.UnixMilli(pc.At)
	m := &queue.Message{
		Topic:     p.topic,
		Direction: queue.Outbound,
		Kind:      queue.KindStatusUpdate,
		Priority:  queue.PriorityUrgent,
		Payload: queue.StatusChange{
			SubjectID: pc.SubjectID,
			Status:    pc.New,
			Timestamp: pc.At,
		},
		EnqueuedAt: now,
		ExpiresAt:  now.Add(p.expiry),
	}
	coalesced, err := p.q.CoalescePending(ctx, m)
	if err != nil {
		p.logger.Error("enqueue status update", "status", pc.New, "error", err)
		return
	}
	p.logger.Info("status update queued", "status", pc.New, "coalesced", coalesced)
}
