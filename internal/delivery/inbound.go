package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/queue"
)

// inboundSchema validates requests at the boundary, before anything touches
// the queue. Anything that fails here is dropped and logged, never enqueued.
const inboundSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "kind", "payload"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "enum": ["ConsultationRequest", "SystemNotification"]},
		"priority": {"type": "integer", "minimum": 1, "maximum": 5},
		"expiresInSeconds": {"type": "integer", "minimum": 1},
		"payload": {"type": "object"}
	}
}`

// inboundWire is the decoded inbound envelope.
type inboundWire struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	Priority         int             `json:"priority"`
	ExpiresInSeconds int             `json:"expiresInSeconds"`
	Payload          json.RawMessage `json:"payload"`
}

// InboundHandler accepts requests from the broker, validates them, and
// enqueues them for the UI.
type InboundHandler struct {
	q             *queue.Queue
	eventBus      *bus.Bus
	schema        *jsonschema.Schema
	logger        *slog.Logger
	defaultExpiry time.Duration
	topic         string
}

// NewInboundHandler compiles the schema and prepares the handler for the
// given inbound subject.
func NewInboundHandler(q *queue.Queue, eventBus *bus.Bus, topic string, defaultExpiry time.Duration, logger *slog.Logger) (*InboundHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
	if err != nil {
		return nil, fmt.Errorf("parse inbound schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.json", doc); err != nil {
		return nil, fmt.Errorf("add inbound schema: %w", err)
	}
	schema, err := compiler.Compile("inbound.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &InboundHandler{
		q:             q,
		eventBus:      eventBus,
		schema:        schema,
		logger:        logger,
		defaultExpiry: defaultExpiry,
		topic:         topic,
	}, nil
}

// Bind subscribes the handler to the inbound subject.
func (h *InboundHandler) Bind(ctx context.Context, nc Subscriber, subject string) error {
	_, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		h.Handle(ctx, msg.Data, time.Now())
	})
	return err
}

// Handle processes one inbound frame.
func (h *InboundHandler) Handle(ctx context.Context, data []byte, now time.Time) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		h.reject("", "", "malformed_json", err)
		return
	}
	if err := h.schema.Validate(inst); err != nil {
		h.reject("", "", "schema_invalid", err)
		return
	}

	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		h.reject("", "", "malformed_json", err)
		return
	}

	kind := queue.Kind(w.Kind)
	payload, err := decodeInboundPayload(kind, w.Payload)
	if err != nil {
		h.reject(w.ID, w.Kind, "payload_invalid", err)
		return
	}

	priority := w.Priority
	if priority == 0 {
		priority = queue.PriorityNormal
	}
	expiry := h.defaultExpiry
	if w.ExpiresInSeconds > 0 {
		expiry = time.Duration(w.ExpiresInSeconds) * time.Second
	}

	m := &queue.Message{
		ID:         w.ID,
		Topic:      h.topic,
		Direction:  queue.Inbound,
		Kind:       kind,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(expiry),
	}
	if err := h.q.Enqueue(ctx, m); err != nil {
		// A duplicate id is a retransmission, not a fault.
		if strings.Contains(err.Error(), "duplicate") {
			h.logger.Debug("duplicate inbound message ignored", "message_id", w.ID)
			return
		}
		h.reject(w.ID, w.Kind, "enqueue_failed", err)
		return
	}
	h.logger.Info("inbound message accepted",
		"message_id", w.ID, "kind", w.Kind, "priority", priority)
	h.eventBus.Publish(bus.TopicInboundReceived, bus.InboundEvent{
		MessageID: w.ID, Kind: w.Kind,
	})
}

func (h *InboundHandler) reject(id, kind, reason string, cause error) {
	h.logger.Warn("inbound message rejected",
		"message_id", id, "kind", kind, "reason", reason, "error", cause)
	h.eventBus.Publish(bus.TopicInboundRejected, bus.InboundEvent{
		MessageID: id, Kind: kind, Reason: reason,
	})
}

func decodeInboundPayload(kind queue.Kind, raw json.RawMessage) (queue.Payload, error) {
	switch kind {
	case queue.KindConsultation:
		var p queue.Consultation
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.StudentID == "" || p.RequestMessage == "" {
			return nil, fmt.Errorf("consultation requires studentId and requestMessage")
		}
		return p, nil
	case queue.KindNotification:
		var p queue.Notification
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			return nil, fmt.Errorf("notification requires message")
		}
		return p, nil
	default:
		return queue.RawBytes(raw), nil
	}
}
