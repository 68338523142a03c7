package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSMirror publishes bus events to a NATS subject so external systems
// (CDN purgers, monitoring) can react to content updates.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
}

// NewNATSMirror connects to the NATS server at url. Events are published
// under "<subject>.<event-name>".
func NewNATSMirror(url, subject string) (*NATSMirror, error) {
	conn, err := nats.Connect(url, nats.Name("locomote-content-server"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS event mirror connected", slog.String("url", url), slog.String("subject", subject))
	return &NATSMirror{conn: conn, subject: subject}, nil
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.conn.Publish(m.subject+"."+e.Name(), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}
