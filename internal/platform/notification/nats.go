package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the connection settings for the event bus.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ConnectNATS opens a connection to the event bus.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// publisher is the subset of *nats.Conn used by NATSSink.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on "<prefix>.<new_status>", e.g.
// triage.case.pending_review, for downstream SMS/e-mail/reminder services.
type NATSSink struct {
	conn   publisher
	prefix string
}

// NewNATSSink creates a sink publishing on conn. An empty prefix defaults to
// "triage.case".
func NewNATSSink(conn publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "triage.case"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e Event) string {
	return s.prefix + "." + e.NewStatus
}

func (s *NATSSink) Deliver(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Publish(s.Subject(e), payload)
}
