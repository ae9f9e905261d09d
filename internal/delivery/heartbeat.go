package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/consultease/deskunit/internal/queue"
)

// HeartbeatEmitter enqueues a liveness heartbeat on a fixed interval. The
// heartbeat expires after one interval: a stale heartbeat is worse than a
// missing one.
type HeartbeatEmitter struct {
	q         *queue.Queue
	subjectID string
	topic     string
	interval  time.Duration
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewHeartbeatEmitter prepares the emitter for the given heartbeat subject.
func NewHeartbeatEmitter(q *queue.Queue, subjectID, topic string, interval time.Duration, logger *slog.Logger) *HeartbeatEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatEmitter{
		q:         q,
		subjectID: subjectID,
		topic:     topic,
		interval:  interval,
		logger:    logger,
	}
}

// Start launches the emit loop.
func (h *HeartbeatEmitter) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Emit(ctx, time.Now())
			}
		}
	}()
}

// Stop halts the emit loop.
func (h *HeartbeatEmitter) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Emit enqueues one heartbeat. Failure to enqueue is logged and dropped;
// heartbeats carry no delivery guarantee.
func (h *HeartbeatEmitter) Emit(ctx context.Context, now time.Time) {
	m := &queue.Message{
		Topic:     h.topic,
		Direction: queue.Outbound,
		Kind:      queue.KindHeartbeat,
		Priority:  queue.PriorityLow,
		Payload: queue.Heartbeat{
			SubjectID:  h.subjectID,
			Timestamp:  now.UnixMilli(),
			QueueDepth: h.q.Depth(),
		},
		EnqueuedAt: now,
		ExpiresAt:  now.Add(h.interval),
	}
	if err := h.q.Enqueue(ctx, m); err != nil {
		h.logger.Debug("heartbeat not enqueued", "error", err)
	}
}
