package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// natsPublisher is the subset of *nats.Conn the forwarder needs.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSForwarder republishes bus events to NATS as msgpack documents.
type NATSForwarder struct {
	logger *zap.Logger
	conn   natsPublisher
	prefix string
}

// NewNATSForwarder creates a forwarder publishing under prefix.
func NewNATSForwarder(logger *zap.Logger, conn natsPublisher, prefix string) *NATSForwarder {
	if prefix == "" {
		prefix = "soar.events"
	}
	return &NATSForwarder{logger: logger, conn: conn, prefix: prefix}
}

// Attach subscribes the forwarder to bus and returns the detach function.
func (f *NATSForwarder) Attach(bus *Bus) func() {
	return bus.Subscribe(func(e model.Event) {
		if err := f.Forward(e); err != nil {
			f.logger.Warn("failed to forward event to NATS",
				zap.String("event", e.Name),
				zap.Error(err))
		}
	})
}

// Forward encodes and publishes one event.
func (f *NATSForwarder) Forward(e model.Event) error {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.conn.Publish(Subject(f.prefix, e.Name), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subject maps an event name such as "playbook:execution_started" to
// "<prefix>.playbook.execution_started".
func Subject(prefix, name string) string {
	return prefix + "." + strings.ReplaceAll(name, ":", ".")
}

// ConnectNATS dials NATS with reconnect handling.
func ConnectNATS(logger *zap.Logger, url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name("soar-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
