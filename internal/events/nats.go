package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces every published subject.
const SubjectPrefix = "recoveryroom."

// Subject returns the NATS subject for t.
func Subject(t Type) string {
	return SubjectPrefix + string(t)
}

// NATSPublisher publishes events as JSON on recoveryroom.<type>.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(ev.Type), payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
