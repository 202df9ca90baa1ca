// Package processor turns delivery summaries from JetStream into storage
// writes.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/claude-relay/internal/jetstream"
	"github.com/namikmesic/claude-relay/internal/storage"
	"github.com/namikmesic/claude-relay/internal/stream"
)

const DurableName = "relay-deliveries"

var errIncompleteSummary = errors.New("delivery summary lacks stream id or terminal status")

// Enqueuer accepts storage jobs without blocking; *storage.BatchWriter
// satisfies it.
type Enqueuer interface {
	Enqueue(job storage.WriteJob) bool
}

type Processor struct {
	writer     Enqueuer
	batchSize  int
	maxWait    time.Duration
	retryDelay time.Duration
}

func New(writer Enqueuer) *Processor {
	return &Processor{writer: writer, batchSize: 64, maxWait: 2 * time.Second, retryDelay: time.Second}
}

// StartConsumer pulls summaries from the durable consumer until ctx is
// done. Each fetched batch becomes one storage job; messages are acked once
// the job has written them and nak'd for redelivery when the write fails or
// the writer is full.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) error {
	sub, err := js.PullSubscribe(jetstream.DeliverySubjects, DurableName, nats.BindStream(jetstream.StreamName))
	if err != nil {
		return fmt.Errorf("subscribe to delivery summaries: %w", err)
	}

	log.Info().Str("durable", DurableName).Msg("delivery consumer started")
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, p.maxWait)
		msgs, err := sub.Fetch(p.batchSize, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			log.Warn().Err(err).Msg("fetch delivery summaries")
			continue
		}
		p.handle(msgs)
	}
	log.Info().Msg("delivery consumer stopped")
	return nil
}

func (p *Processor) handle(msgs []*nats.Msg) {
	summaries := make([]stream.DeliverySummary, 0, len(msgs))
	valid := make([]*nats.Msg, 0, len(msgs))
	for _, m := range msgs {
		s, err := Decode(m.Data)
		if err != nil {
			log.Error().Err(err).Str("subject", m.Subject).Msg("discarding undecodable delivery summary")
			m.Term()
			continue
		}
		summaries = append(summaries, s)
		valid = append(valid, m)
	}
	if len(summaries) == 0 {
		return
	}

	var insert storage.WriteJob
	if len(summaries) == 1 {
		insert = storage.InsertDeliveryJob(summaries[0])
	} else {
		insert = storage.InsertDeliveriesJob(summaries)
	}

	// messages stay unacked until the rows are written
	job := storage.WriteJobFunc(func(ctx context.Context, db storage.DB) error {
		err := insert.Execute(ctx, db)
		for _, m := range valid {
			if err != nil {
				m.NakWithDelay(p.retryDelay)
			} else {
				m.Ack()
			}
		}
		return err
	})

	queued := p.writer.Enqueue(job)
	if !queued {
		for _, m := range valid {
			m.NakWithDelay(p.retryDelay)
		}
	}

	log.Debug().
		Int("summaries", len(summaries)).
		Bool("queued", queued).
		Msg("delivery summaries processed")
}

// Decode parses one published summary.
func Decode(data []byte) (stream.DeliverySummary, error) {
	var s stream.DeliverySummary
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode delivery summary: %w", err)
	}
	if s.StreamID == "" || !s.Status.Terminal() {
		return s, errIncompleteSummary
	}
	return s, nil
}
