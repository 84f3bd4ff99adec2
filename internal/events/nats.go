package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/logger"
)

// NATSMirror republishes every bus frame to a NATS subject so external
// consumers (dashboards, recorders) can tail the engine without a WebSocket.
// It is write-only: the engine itself never consumes from NATS.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	log    *logger.Logger
}

// NewNATSMirror connects to the given NATS URL. Reconnects are handled by
// the client; frames published while disconnected are dropped, matching the
// bus's lossy-subscriber semantics.
func NewNATSMirror(url, clientName, prefix string, maxReconnects int, log *logger.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSMirror{
		conn:   conn,
		prefix: prefix,
		log:    log.WithFields(zap.String("component", "nats-mirror")),
	}, nil
}

// Attach installs the mirror on a bus.
func (m *NATSMirror) Attach(bus *Bus) {
	bus.SetMirror(func(topic string, frame json.RawMessage) {
		if err := m.conn.Publish(m.subjectFor(topic), frame); err != nil {
			m.log.Debug("mirror publish failed", zap.String("topic", topic), zap.Error(err))
		}
	})
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}

// subjectFor maps a bus topic to a NATS subject: colons become dots under
// the configured prefix, e.g. log:worker-1 -> devswarm.log.worker-1.
func (m *NATSMirror) subjectFor(topic string) string {
	return m.prefix + "." + strings.ReplaceAll(topic, ":", ".")
}
