package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/consultease/deskunit/internal/audit"
	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/queue"
)

// WorkerConfig holds the delivery tunables.
type WorkerConfig struct {
	MaxRetryAttempts int
	RetryInterval    time.Duration // also the ack wait
	SendTimeout      time.Duration
	PollInterval     time.Duration // fallback wakeup when no events arrive
}

// Worker drains pending outbound messages while the link is up, tracks
// acknowledgements, and requeues or fails messages whose acks never come.
type Worker struct {
	cfg      WorkerConfig
	q        *queue.Queue
	link     Link
	eventBus *bus.Bus
	auditLog *audit.Log
	logger   *slog.Logger

	mu     sync.Mutex
	sentAt map[string]time.Time // id -> send time, awaiting ack

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker wires the drain loop. auditLog may be nil.
func NewWorker(cfg WorkerConfig, q *queue.Queue, link Link, eventBus *bus.Bus, auditLog *audit.Log, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		q:        q,
		link:     link,
		eventBus: eventBus,
		auditLog: auditLog,
		logger:   logger,
		sentAt:   make(map[string]time.Time),
	}
}

// Start launches the drain loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop halts the loop and waits for it.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	// Wake immediately on new work or a restored link; the ticker catches
	// ack timeouts in between.
	wakeEnqueued := w.eventBus.Subscribe(bus.TopicQueueEnqueued)
	wakeLink := w.eventBus.Subscribe(bus.TopicLinkUp)
	defer w.eventBus.Unsubscribe(wakeEnqueued)
	defer w.eventBus.Unsubscribe(wakeLink)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wakeEnqueued.Ch():
		case <-wakeLink.Ch():
		}
		now := time.Now()
		w.expireAcks(ctx, now)
		w.drain(ctx, now)
	}
}

// drain sends pending outbound messages until the queue is empty, the link
// drops, or a send fails. A failed send leaves the entry Pending and
// suspends draining; the link.up event resumes it.
func (w *Worker) drain(ctx context.Context, now time.Time) {
	for w.link.Connected() {
		m, ok := w.q.DequeueNext(now)
		if !ok {
			return
		}
		if m.Kind == queue.KindHeartbeat {
			w.sendHeartbeat(ctx, m)
			continue
		}
		data, err := m.WireBytes()
		if err != nil {
			w.logger.Error("unencodable message", "message_id", m.ID, "error", err)
			w.fail(ctx, m.ID, "encode_error")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		err = w.link.Publish(sctx, m.Topic, data)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("send failed, suspending drain",
					"message_id", m.ID, "topic", m.Topic, "error", err)
			}
			return
		}
		if err := w.q.MarkSent(ctx, m.ID); err != nil {
			w.logger.Warn("mark sent", "message_id", m.ID, "error", err)
			continue
		}
		w.mu.Lock()
		w.sentAt[m.ID] = now
		w.mu.Unlock()
		w.eventBus.Publish(bus.TopicDeliverySent, bus.DeliveryEvent{
			MessageID: m.ID, Kind: string(m.Kind), RetryCount: m.RetryCount,
		})
	}
}

// sendHeartbeat is fire-and-forget: no Sent state, no ack tracking, and a
// failed send drops the heartbeat silently. The next interval brings a
// fresh one.
func (w *Worker) sendHeartbeat(ctx context.Context, m queue.Message) {
	data, err := m.WireBytes()
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		err = w.link.Publish(sctx, m.Topic, data)
		cancel()
	}
	if err != nil {
		w.logger.Debug("heartbeat dropped", "error", err)
	}
	if err := w.q.Remove(ctx, m.ID); err != nil {
		w.logger.Warn("remove heartbeat", "message_id", m.ID, "error", err)
	}
}

// expireAcks requeues Sent messages whose ack window elapsed, or fails
// them once their retries are spent.
func (w *Worker) expireAcks(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var timedOut []string
	for id, at := range w.sentAt {
		if now.Sub(at) >= w.cfg.RetryInterval {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		delete(w.sentAt, id)
	}
	w.mu.Unlock()

	for _, id := range timedOut {
		m, ok := w.q.Get(id)
		if !ok {
			continue
		}
		if m.RetryCount >= w.cfg.MaxRetryAttempts {
			w.fail(ctx, id, "retries_exhausted")
			continue
		}
		if _, err := w.q.Requeue(ctx, id); err != nil {
			w.logger.Warn("requeue", "message_id", id, "error", err)
		}
	}
}

// fail marks the message Failed, audits it, and announces the terminal
// failure on the bus.
func (w *Worker) fail(ctx context.Context, id, reason string) {
	m, err := w.q.MarkFailed(ctx, id)
	if err != nil {
		w.logger.Warn("mark failed", "message_id", id, "error", err)
		return
	}
	if w.auditLog != nil {
		w.auditLog.Record("failed", m.ID, string(m.Kind), m.Priority, m.RetryCount, reason)
	}
	w.eventBus.Publish(bus.TopicDeliveryFailed, bus.DeliveryEvent{
		MessageID: m.ID, Kind: string(m.Kind), RetryCount: m.RetryCount, Reason: reason,
	})
	w.logger.Error("delivery failed permanently",
		"message_id", m.ID, "kind", string(m.Kind), "retries", m.RetryCount, "reason", reason)
}

// HandleAck settles a correlated acknowledgement and reports the
// send-to-ack latency on the bus. Unknown ids are ignored: the ack may
// race expiry or eviction.
func (w *Worker) HandleAck(ctx context.Context, id string, now time.Time) {
	w.mu.Lock()
	sentAt, tracked := w.sentAt[id]
	delete(w.sentAt, id)
	w.mu.Unlock()

	m, found := w.q.Get(id)
	if err := w.q.MarkAcknowledged(ctx, id); err != nil {
		w.logger.Debug("ack for unknown message", "message_id", id, "error", err)
		return
	}
	ev := bus.DeliveryEvent{MessageID: id}
	if found {
		ev.Kind = string(m.Kind)
		ev.RetryCount = m.RetryCount
	}
	if tracked {
		ev.AckLatency = now.Sub(sentAt)
	}
	w.eventBus.Publish(bus.TopicDeliveryAcked, ev)
}

// ackWire is the broker-side acknowledgement payload.
type ackWire struct {
	ID string `json:"id"`
}

// BindAcks subscribes the worker to the acknowledgement subject.
func (w *Worker) BindAcks(ctx context.Context, nc Subscriber, subject string) error {
	_, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var a ackWire
		if err := json.Unmarshal(msg.Data, &a); err != nil || a.ID == "" {
			w.logger.Warn("dropping malformed ack", "error", err)
			return
		}
		w.HandleAck(ctx, a.ID, time.Now())
	})
	return err
}

// PendingAcks reports how many sent messages await acknowledgement.
func (w *Worker) PendingAcks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sentAt)
}
