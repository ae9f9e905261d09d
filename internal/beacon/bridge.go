package beacon

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// bufferCap bounds the sightings held between polls. The relay publishes a
// few sightings per second at most; anything beyond this is a stuck poll
// loop and old observations are the right thing to shed.
const bufferCap = 64

// Subscriber is the slice of a NATS connection the bridge needs.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// wireSighting is the relay's JSON: observedAt is epoch milliseconds and
// may be absent, in which case receipt time is used.
type wireSighting struct {
	Identifier string `json:"identifier"`
	RSSI       int    `json:"rssi"`
	ObservedAt int64  `json:"observedAt,omitempty"`
}

// Bridge collects sightings published on the sightings subject by an
// external BLE relay and hands them out batch-wise per poll.
type Bridge struct {
	logger *slog.Logger
	sub    *nats.Subscription

	mu      sync.Mutex
	pending []Sighting
	dropped int
}

// NewBridge subscribes to subject (e.g. "consultease/faculty/1/sightings")
// and starts buffering.
func NewBridge(nc Subscriber, subject string, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{logger: logger}
	sub, err := nc.Subscribe(subject, b.onMessage)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	logger.Debug("sightings bridge subscribed", "subject", subject)
	return b, nil
}

func (b *Bridge) onMessage(msg *nats.Msg) {
	var w wireSighting
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		b.logger.Warn("dropping malformed sighting", "error", err)
		return
	}
	if w.Identifier == "" {
		b.logger.Warn("dropping sighting without identifier")
		return
	}
	s := Sighting{Identifier: w.Identifier, RSSI: w.RSSI}
	if w.ObservedAt > 0 {
		s.ObservedAt = time.UnixMilli(w.ObservedAt)
	} else {
		s.ObservedAt = time.Now()
	}

	b.mu.Lock()
	if len(b.pending) >= bufferCap {
		b.pending = b.pending[1:]
		b.dropped++
	}
	b.pending = append(b.pending, s)
	b.mu.Unlock()
}

// Poll returns everything buffered since the last call.
func (b *Bridge) Poll(ctx context.Context) ([]Sighting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()
	if dropped > 0 {
		b.logger.Warn("sightings buffer overflowed between polls", "dropped", dropped)
	}
	return batch, nil
}

// Close drops the subscription. Poll keeps working on whatever is buffered.
func (b *Bridge) Close() error {
	if b.sub != nil {
		return b.sub.Unsubscribe()
	}
	return nil
}
