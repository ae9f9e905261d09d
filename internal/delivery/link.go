// Package delivery moves queued messages over the broker link and accepts
// inbound traffic. The worker drains the queue only while the link is up;
// everything else waits, persisted, for reconnection.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/config"
	"github.com/consultease/deskunit/internal/otel"
)

// ErrNotConnected is returned by Publish while the link is down.
var ErrNotConnected = errors.New("link not connected")

// Link is the transport capability the worker drains into.
type Link interface {
	Connected() bool
	Publish(ctx context.Context, topic string, data []byte) error
}

// Subscriber is the subscription slice of the link, shared with the
// inbound handler and the sightings bridge.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSLink wraps a NATS connection with reconnect handlers that feed link
// state onto the bus.
type NATSLink struct {
	nc     *nats.Conn
	tracer trace.Tracer
	logger *slog.Logger
}

// Dial connects to the broker. The connection retries forever in the
// background; an unreachable broker at boot is not an error, the unit
// starts offline and catches up. tracer may be nil to skip publish spans.
func Dial(cfg config.LinkConfig, credentials string, eventBus *bus.Bus, tracer trace.Tracer, logger *slog.Logger) (*NATSLink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("deskunit"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("broker link down", "error", err)
			eventBus.Publish(bus.TopicLinkDown, nil)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("broker link restored", "url", nc.ConnectedUrl())
			eventBus.Publish(bus.TopicLinkUp, nil)
		}),
	}
	if credentials != "" {
		user, pass, found := strings.Cut(credentials, ":")
		if !found {
			return nil, fmt.Errorf("link credentials must be user:pass")
		}
		opts = append(opts, nats.UserInfo(user, pass))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	if nc.IsConnected() {
		eventBus.Publish(bus.TopicLinkUp, nil)
	}
	return &NATSLink{nc: nc, tracer: tracer, logger: logger}, nil
}

// Connected reports whether the link is currently usable.
func (l *NATSLink) Connected() bool {
	return l.nc.IsConnected()
}

// Publish sends data and flushes within the context deadline, so a wedged
// connection surfaces as a timeout instead of silently buffering.
func (l *NATSLink) Publish(ctx context.Context, topic string, data []byte) (err error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, l.tracer, "link.publish",
			otel.AttrTopic.String(topic))
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}
	if !l.nc.IsConnected() {
		return ErrNotConnected
	}
	if err := l.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := l.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers an inbound handler on the shared connection.
func (l *NATSLink) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return l.nc.Subscribe(subj, cb)
}

// Close drains in-flight messages and closes the connection.
func (l *NATSLink) Close() {
	if err := l.nc.Drain(); err != nil {
		l.logger.Warn("drain link", "error", err)
	}
}
