package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/persistence"
)

var (
	// ErrQueueFull is returned when the queue is at capacity and no entry
	// is evictable (every entry is Sent, awaiting acknowledgement).
	ErrQueueFull = errors.New("queue full: no evictable entry")
	// ErrNotFound is returned for operations on unknown message ids.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidExpiry is returned when ExpiresAt is not after EnqueuedAt.
	ErrInvalidExpiry = errors.New("expiresAt must be after enqueuedAt")
)

// Journal mirrors queue mutations into durable storage.
type Journal interface {
	UpsertMessage(ctx context.Context, rec persistence.MessageRecord) error
	DeleteMessage(ctx context.Context, id string) error
}

// Config holds the queue tunables.
type Config struct {
	Capacity int
}

// Queue is the bounded, deterministic priority queue. All access is under
// one coarse lock; event rates here are milliseconds apart, contention is
// not a concern.
type Queue struct {
	cfg     Config
	journal Journal
	bus     *bus.Bus
	logger  *slog.Logger

	// guarded by mu
	mu       sync.Mutex
	entries  []*Message // sorted by (priority desc, enqueuedAt asc, id asc)
	byID     map[string]*Message
	degraded bool
}

// New creates a queue. journal may be nil for a memory-only queue (tests,
// or a unit whose flash has failed hard at boot).
func New(cfg Config, journal Journal, eventBus *bus.Bus, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		journal: journal,
		bus:     eventBus,
		logger:  logger,
		byID:    make(map[string]*Message),
	}
}

// less is the single ordering rule: higher priority first, then older,
// then smaller id. Retransmission order depends on this being total and
// stable.
func less(a, b *Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

// Enqueue inserts a message, evicting the lowest-priority oldest
// Pending/Failed entry when at capacity. The message's Status is forced to
// Pending and an ID is assigned if empty.
func (q *Queue) Enqueue(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Priority < PriorityLow {
		m.Priority = PriorityLow
	}
	if m.Priority > PriorityEmergency {
		m.Priority = PriorityEmergency
	}
	if !m.ExpiresAt.After(m.EnqueuedAt) {
		return ErrInvalidExpiry
	}
	m.Status = StatusPending

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[m.ID]; exists {
		return fmt.Errorf("duplicate message id %s", m.ID)
	}

	if len(q.entries) >= q.cfg.Capacity {
		victim := q.evictionCandidateLocked()
		if victim == nil {
			return ErrQueueFull
		}
		q.removeLocked(ctx, victim.ID)
		q.publish(bus.TopicQueueEvicted, bus.QueueMessageEvent{
			MessageID: victim.ID, Kind: string(victim.Kind), Priority: victim.Priority,
			Reason: "evicted_capacity",
		})
	}

	q.insertLocked(m)
	q.journalUpsert(ctx, m)
	q.publish(bus.TopicQueueEnqueued, bus.QueueMessageEvent{
		MessageID: m.ID, Kind: string(m.Kind), Priority: m.Priority, Reason: "enqueue",
	})
	return nil
}

// CoalescePending replaces an existing Pending outbound entry of the same
// kind and topic in place, or enqueues m if none exists. Used for status
// updates: a stale presence update superseded by a newer one must not
// queue behind it.
func (q *Queue) CoalescePending(ctx context.Context, m *Message) (coalesced bool, err error) {
	q.mu.Lock()
	for _, e := range q.entries {
		if e.Status == StatusPending && e.Direction == Outbound && e.Kind == m.Kind && e.Topic == m.Topic {
			// Keep identity and queue position; replace the content.
			e.Payload = m.Payload
			e.ExpiresAt = m.ExpiresAt
			q.journalUpsert(ctx, e)
			q.mu.Unlock()
			return true, nil
		}
	}
	q.mu.Unlock()
	return false, q.Enqueue(ctx, m)
}

// DequeueNext returns a copy of the highest-priority, oldest, unexpired
// Pending outbound message, or ok=false if none is eligible. The entry
// stays Pending in the queue until MarkSent.
func (q *Queue) DequeueNext(now time.Time) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Status != StatusPending || e.Direction != Outbound {
			continue
		}
		if e.Expired(now) {
			continue // never delivered; the sweep will collect it
		}
		return *e, true
	}
	return Message{}, false
}

// MarkSent records a successful transport send.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusSent)
}

// MarkAcknowledged removes the entry: delivery is complete. The delivery
// worker announces the ack on the bus; it alone knows the send time and
// can report the latency.
func (q *Queue) MarkAcknowledged(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(e.Status, StatusAcknowledged); err != nil {
		return err
	}
	q.removeLocked(ctx, id)
	return nil
}

// MarkFailed removes the entry from the active retry set and returns a
// copy for auditing.
func (q *Queue) MarkFailed(ctx context.Context, id string) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if err := checkTransition(e.Status, StatusFailed); err != nil {
		return Message{}, err
	}
	e.Status = StatusFailed
	copy := *e
	q.removeLocked(ctx, id)
	return copy, nil
}

// Requeue returns a Sent message to Pending after a missing
// acknowledgement, incrementing RetryCount. EnqueuedAt is untouched so the
// entry keeps its place among equal-priority peers.
func (q *Queue) Requeue(ctx context.Context, id string) (retryCount int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	if err := checkTransition(e.Status, StatusPending); err != nil {
		return 0, err
	}
	e.Status = StatusPending
	e.RetryCount++
	q.journalUpsert(ctx, e)
	q.publish(bus.TopicDeliveryRetrying, bus.DeliveryEvent{
		MessageID: id, Kind: string(e.Kind), RetryCount: e.RetryCount, Reason: "ack_timeout",
	})
	return e.RetryCount, nil
}

// SweepExpired transitions every entry past its expiry to Expired, removes
// it, and returns copies of the removed messages. Invoked on the
// maintenance cadence, not per operation.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []Message
	for _, e := range q.entries {
		if e.Expired(now) {
			e.Status = StatusExpired
			expired = append(expired, *e)
		}
	}
	for i := range expired {
		q.removeLocked(ctx, expired[i].ID)
		q.publish(bus.TopicQueueExpired, bus.QueueMessageEvent{
			MessageID: expired[i].ID, Kind: string(expired[i].Kind),
			Priority: expired[i].Priority, Reason: "expired",
		})
	}
	return expired
}

// Get returns a copy of the entry with the given id.
func (q *Queue) Get(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Message{}, false
	}
	return *e, true
}

// Remove deletes an entry without a lifecycle event. Used for consumed
// inbound messages and dropped heartbeats.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; !ok {
		return ErrNotFound
	}
	q.removeLocked(ctx, id)
	return nil
}

// ListInbound returns copies of pending inbound messages in queue order.
func (q *Queue) ListInbound() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for _, e := range q.entries {
		if e.Direction == Inbound && e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	return out
}

// Depth returns the number of entries in the queue.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Degraded reports whether the queue has fallen back to memory-only mode.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// Rehydrate rebuilds the queue from persisted records at startup. Sent
// entries are re-derived as Pending (the ack may never have arrived),
// expired and terminal entries are discarded, corrupt payloads are skipped.
func (q *Queue) Rehydrate(ctx context.Context, records []persistence.MessageRecord, now time.Time) (restored, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range records {
		status := Status(rec.Status)
		if status == StatusAcknowledged || status == StatusExpired || status == StatusFailed {
			q.journalDelete(ctx, rec.ID)
			dropped++
			continue
		}
		if !rec.ExpiresAt.After(now) {
			q.journalDelete(ctx, rec.ID)
			dropped++
			continue
		}
		payload, err := UnmarshalPayload(rec.Payload)
		if err != nil {
			q.logger.Warn("skipping corrupt persisted message", "message_id", rec.ID, "error", err)
			q.journalDelete(ctx, rec.ID)
			dropped++
			continue
		}
		m := &Message{
			ID:         rec.ID,
			Topic:      rec.Topic,
			Direction:  Direction(rec.Direction),
			Kind:       Kind(rec.Kind),
			Priority:   rec.Priority,
			Payload:    payload,
			EnqueuedAt: rec.EnqueuedAt,
			ExpiresAt:  rec.ExpiresAt,
			Status:     StatusPending,
			RetryCount: rec.RetryCount,
		}
		if len(q.entries) >= q.cfg.Capacity {
			q.journalDelete(ctx, rec.ID)
			dropped++
			continue
		}
		q.insertLocked(m)
		if status == StatusSent {
			q.journalUpsert(ctx, m) // status re-derived to Pending
		}
		restored++
	}
	q.publish(bus.TopicQueueRehydrated, bus.QueueMessageEvent{
		Reason: fmt.Sprintf("restored=%d dropped=%d", restored, dropped),
	})
	return restored, dropped
}

// --- internals, all called with mu held ---

func (q *Queue) transition(ctx context.Context, id string, to Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(e.Status, to); err != nil {
		return err
	}
	e.Status = to
	q.journalUpsert(ctx, e)
	return nil
}

func checkTransition(from, to Status) error {
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}

// moreEvictable orders eviction victims: lower priority first, then older,
// then smaller id for determinism.
func moreEvictable(a, b *Message) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

// evictionCandidateLocked picks the lowest-priority, then oldest,
// Pending/Failed entry, or nil if nothing is evictable.
func (q *Queue) evictionCandidateLocked() *Message {
	var victim *Message
	for _, e := range q.entries {
		if e.Status != StatusPending && e.Status != StatusFailed {
			continue
		}
		if victim == nil || moreEvictable(e, victim) {
			victim = e
		}
	}
	return victim
}

func (q *Queue) insertLocked(m *Message) {
	q.entries = append(q.entries, m)
	sort.SliceStable(q.entries, func(i, j int) bool { return less(q.entries[i], q.entries[j]) })
	q.byID[m.ID] = m
}

func (q *Queue) removeLocked(ctx context.Context, id string) {
	delete(q.byID, id)
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	q.journalDelete(ctx, id)
}

func (q *Queue) journalUpsert(ctx context.Context, m *Message) {
	if q.journal == nil || q.degraded {
		return
	}
	payload, err := MarshalPayload(m.Payload)
	if err != nil {
		q.logger.Error("encode payload for journal", "message_id", m.ID, "error", err)
		return
	}
	rec := persistence.MessageRecord{
		ID:         m.ID,
		Topic:      m.Topic,
		Direction:  string(m.Direction),
		Kind:       string(m.Kind),
		Priority:   m.Priority,
		Payload:    payload,
		Status:     string(m.Status),
		RetryCount: m.RetryCount,
		EnqueuedAt: m.EnqueuedAt,
		ExpiresAt:  m.ExpiresAt,
	}
	if err := q.journal.UpsertMessage(ctx, rec); err != nil {
		q.degradeLocked(err)
	}
}

func (q *Queue) journalDelete(ctx context.Context, id string) {
	if q.journal == nil || q.degraded {
		return
	}
	if err := q.journal.DeleteMessage(ctx, id); err != nil {
		q.degradeLocked(err)
	}
}

// degradeLocked flips the queue to memory-only mode for the rest of the
// session. The queue keeps serving; only durability is lost.
func (q *Queue) degradeLocked(cause error) {
	q.degraded = true
	q.logger.Error("persistence unavailable, continuing memory-only", "error", cause)
	q.publish(bus.TopicQueueDegraded, bus.QueueMessageEvent{Reason: cause.Error()})
}

func (q *Queue) publish(topic string, payload interface{}) {
	if q.bus != nil {
		q.bus.Publish(topic, payload)
	}
}
