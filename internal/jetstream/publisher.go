package jetstream

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"

	"github.com/namikmesic/claude-relay/internal/stream"
)

// Publisher puts delivery summaries on the RELAY stream.
type Publisher struct {
	js nats.JetStreamContext
}

func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

// PublishSummary publishes s once; the stream id doubles as the message id
// so a retried publish is dropped by the server's duplicate window.
func (p *Publisher) PublishSummary(ctx context.Context, s stream.DeliverySummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal delivery summary: %w", err)
	}
	if _, err := p.js.Publish(DeliverySubject(s.StreamID), data, nats.Context(ctx), nats.MsgId(s.StreamID)); err != nil {
		return fmt.Errorf("publish delivery summary %s: %w", s.StreamID, err)
	}
	return nil
}
