package bus

import "time"

// Presence event topics.
const (
	TopicPresenceChanged = "presence.changed"
	TopicPresenceForced  = "presence.forced_absent"
)

// Scan event topics.
const (
	TopicScanCompleted = "scan.completed"
)

// Queue event topics.
const (
	TopicQueueEnqueued   = "queue.enqueued"
	TopicQueueEvicted    = "queue.evicted"
	TopicQueueExpired    = "queue.expired"
	TopicQueueDegraded   = "queue.persistence_degraded"
	TopicQueueRehydrated = "queue.rehydrated"
)

// Delivery event topics.
const (
	TopicDeliverySent     = "delivery.sent"
	TopicDeliveryAcked    = "delivery.acked"
	TopicDeliveryRetrying = "delivery.retrying"
	TopicDeliveryFailed   = "delivery.failed"
)

// Link state topics.
const (
	TopicLinkUp   = "link.up"
	TopicLinkDown = "link.down"
)

// Inbound message topics.
const (
	TopicInboundReceived = "inbound.received"
	TopicInboundRejected = "inbound.rejected"
)

// PresenceChangedEvent is published on externally visible transitions only
// (entering or leaving Present/Absent). Grace and Searching never appear here.
type PresenceChangedEvent struct {
	SubjectID string // Assigned person's subject ID
	Old       string // Previous externally visible status
	New       string // New externally visible status
	At        int64  // Unix milliseconds of the transition
}

// QueueMessageEvent is published when a message enters or leaves the queue.
type QueueMessageEvent struct {
	MessageID string // Queue message ID
	Kind      string // Message kind
	Priority  int    // Priority 1-5
	Reason    string // e.g. "enqueue", "evicted_capacity", "expired"
}

// DeliveryEvent is published for send, ack, retry, and terminal failure.
type DeliveryEvent struct {
	MessageID  string        // Queue message ID
	Kind       string        // Message kind
	RetryCount int           // Attempts so far
	AckLatency time.Duration // Send-to-ack latency, set on delivery.acked only
	Reason     string        // Failure or retry reason, empty on success
}

// ScanEvent is published after every completed beacon poll.
type ScanEvent struct {
	Duration  time.Duration // How long the poll took
	Sightings int           // Sightings the poll returned
}

// InboundEvent is published when an inbound request is accepted or rejected.
type InboundEvent struct {
	MessageID string // Request ID from the wire, empty if unparseable
	Kind      string // Message kind, empty if unparseable
	Reason    string // Rejection reason, empty on accept
}
