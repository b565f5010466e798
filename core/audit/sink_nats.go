package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes audit records as JSON to a subject for fleet-wide log
// collection. Publishing is fire-and-forget; durability is the collector's
// concern.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink dials NATS at url and publishes to subject.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("buskeeper-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.nc.Close()
	return nil
}
