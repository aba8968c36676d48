package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON to <prefix>.<event type>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, subjectPrefix string) *NATSSink {
	prefix := strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "cmdgate.approvals"
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// ConnectNATS dials url with a client name and unlimited reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("cmdgate"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject evt is published on.
func (s *NATSSink) Subject(evt Event) string {
	return s.prefix + "." + strings.TrimPrefix(evt.Type, "approval.")
}

func (s *NATSSink) Deliver(ctx context.Context, evt Event) error {
	if len(evt.Recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(evt)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}
