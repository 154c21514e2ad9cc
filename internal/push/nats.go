package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/antoniostano/threadvoice/internal/protocol"
)

const defaultSubjectPrefix = "threadvoice.events"

// NATSMirror republishes push events on NATS subjects "<prefix>.<kind>" so other
// processes, such as stream overlays, can follow the narration.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *zap.SugaredLogger
}

// ConnectNATSMirror dials url. Reconnects are handled by the client library; events
// published while disconnected are buffered by it or dropped.
func ConnectNATSMirror(url string, logger *zap.SugaredLogger) (*NATSMirror, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	options := []nats.Option{
		nats.Name("threadvoice"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(strings.TrimSpace(url), options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Infow("connected to NATS", "url", conn.ConnectedUrl())
	return NewNATSMirror(conn, defaultSubjectPrefix, logger), nil
}

// NewNATSMirror wraps an existing connection.
func NewNATSMirror(conn *nats.Conn, prefix string, logger *zap.SugaredLogger) *NATSMirror {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NATSMirror{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject used for kind.
func (m *NATSMirror) Subject(kind protocol.EventKind) string {
	return m.prefix + "." + string(kind)
}

func (m *NATSMirror) Publish(kind protocol.EventKind, payload any) {
	if m == nil || m.conn == nil {
		return
	}
	data, err := json.Marshal(protocol.NewEnvelope(kind, payload))
	if err != nil {
		m.logger.Errorw("encode mirrored event", "type", kind, "error", err)
		return
	}
	if err := m.conn.Publish(m.Subject(kind), data); err != nil {
		m.logger.Warnw("nats publish failed", "subject", m.Subject(kind), "error", err)
	}
}

// Healthy reports whether the connection is currently up.
func (m *NATSMirror) Healthy() bool {
	return m != nil && m.conn != nil && m.conn.Status() == nats.CONNECTED
}

// Close flushes pending events and closes the connection.
func (m *NATSMirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	m.logger.Infow("closing NATS connection")
	_ = m.conn.FlushTimeout(2 * time.Second)
	m.conn.Close()
}
