// Package queue implements the bounded, priority-ordered, expiry-aware
// message queue at the center of the desk unit. Inbound consultation
// requests and outbound status/acknowledgement traffic share one
// capacity-bounded container; every mutation is mirrored to the
// persistence store so the queue survives reboot.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a queued message.
type Kind string

const (
	KindConsultation Kind = "ConsultationRequest"
	KindNotification Kind = "SystemNotification"
	KindStatusUpdate Kind = "StatusUpdate"
	KindHeartbeat    Kind = "Heartbeat"
)

// Direction says whether a message is headed for the broker or waiting for
// the local UI.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the delivery lifecycle state of a queued message.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusSent         Status = "Sent"
	StatusAcknowledged Status = "Acknowledged"
	StatusExpired      Status = "Expired"
	StatusFailed       Status = "Failed"
)

// Priority levels 1-5.
const (
	PriorityLow       = 1
	PriorityNormal    = 2
	PriorityHigh      = 3
	PriorityUrgent    = 4
	PriorityEmergency = 5
)

// allowedTransitions guards status changes; anything not listed is a bug
// in the caller.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusSent:    {},
		StatusExpired: {},
		StatusFailed:  {},
	},
	StatusSent: {
		StatusPending:      {}, // requeue after missing ack
		StatusAcknowledged: {},
		StatusExpired:      {},
		StatusFailed:       {},
	},
}

// Payload is the tagged message body. Exactly one variant is set.
type Payload interface {
	payloadType() string
}

// Consultation is a student consultation request.
type Consultation struct {
	StudentID      string `json:"studentId"`
	StudentName    string `json:"studentName,omitempty"`
	CourseCode     string `json:"courseCode,omitempty"`
	RequestMessage string `json:"requestMessage"`
	SessionID      string `json:"sessionId,omitempty"`
}

// Notification is a system notification for the desk display.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// StatusChange is an outbound presence status update.
type StatusChange struct {
	SubjectID string `json:"subjectId"`
	Status    string `json:"status"` // "present" or "absent"
	Timestamp int64  `json:"timestamp"`
}

// Heartbeat is a liveness signal; explicitly exempt from delivery
// guarantees.
type Heartbeat struct {
	SubjectID  string `json:"subjectId"`
	Timestamp  int64  `json:"timestamp"`
	QueueDepth int    `json:"queueDepth"`
}

// Response acknowledges an inbound request ("ack" or "busy").
type Response struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// RawBytes carries an opaque payload that parsed as JSON but matched no
// structured variant.
type RawBytes []byte

func (Consultation) payloadType() string { return "consultation" }
func (Notification) payloadType() string { return "notification" }
func (StatusChange) payloadType() string { return "status" }
func (Heartbeat) payloadType() string { return "heartbeat" }
func (Response) payloadType() string { return "response" }
func (RawBytes) payloadType() string { return "raw" }

// Message is one queue entry.
type Message struct {
	ID         string
	Topic      string
	Direction  Direction
	Kind       Kind
	Priority   int
	Payload    Payload
	EnqueuedAt time.Time
	ExpiresAt  time.Time
	Status     Status
	RetryCount int
}

// Expired reports whether the message is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// WireBytes returns the payload encoded for the broker, without the
// persistence envelope.
func (m *Message) WireBytes() ([]byte, error) {
	if raw, ok := m.Payload.(RawBytes); ok {
		return []byte(raw), nil
	}
	return json.Marshal(m.Payload)
}

// payloadEnvelope is the persisted form: an explicit type tag plus the
// variant's own JSON.
type payloadEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes a payload into its persistence envelope.
func MarshalPayload(p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil payload")
	}
	var data []byte
	var err error
	if raw, ok := p.(RawBytes); ok {
		data, err = json.Marshal([]byte(raw))
	} else {
		data, err = json.Marshal(p)
	}
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env, err := json.Marshal(payloadEnvelope{Type: p.payloadType(), Data: data})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(env), nil
}

// UnmarshalPayload decodes a persistence envelope back into its variant.
func UnmarshalPayload(s string) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Type {
	case "consultation":
		var p Consultation
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal consultation: %w", err)
		}
		return p, nil
	case "notification":
		var p Notification
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		return p, nil
	case "status":
		var p StatusChange
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal status: %w", err)
		}
		return p, nil
	case "heartbeat":
		var p Heartbeat
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal heartbeat: %w", err)
		}
		return p, nil
	case "response":
		var p Response
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		return p, nil
	case "raw":
		var b []byte
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return nil, fmt.Errorf("unmarshal raw: %w", err)
		}
		return RawBytes(b), nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
}
