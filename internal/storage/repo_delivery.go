package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/namikmesic/claude-relay/internal/stream"
)

const insertDeliverySQL = `
	INSERT INTO stream_deliveries (
		stream_id, user_id, status, error_type, started_at, finished_at,
		total_tokens, total_cost, latency_ms, events, chunks, heartbeats,
		attaches, replayed
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (stream_id) DO NOTHING`

func deliveryArgs(s stream.DeliverySummary) []any {
	finished := s.StartedAt.Add(time.Duration(s.LatencyMs) * time.Millisecond)
	return []any{
		s.StreamID, s.UserID, string(s.Status), nilIfEmpty(s.ErrorType),
		s.StartedAt, finished,
		s.TotalTokens, s.TotalCost, s.LatencyMs, s.Events, s.Chunks,
		s.Heartbeats, s.Attaches, s.Replayed,
	}
}

// InsertDeliveryJob stores one summary. Redelivered summaries are ignored.
func InsertDeliveryJob(s stream.DeliverySummary) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, insertDeliverySQL, deliveryArgs(s)...)
		if err != nil {
			return fmt.Errorf("insert delivery %s: %w", s.StreamID, err)
		}
		return nil
	})
}

// InsertDeliveriesJob stores several summaries in one round trip.
func InsertDeliveriesJob(summaries []stream.DeliverySummary) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		batch := &pgx.Batch{}
		for _, s := range summaries {
			batch.Queue(insertDeliverySQL, deliveryArgs(s)...)
		}
		br := db.SendBatch(ctx, batch)
		defer br.Close()

		for _, s := range summaries {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("insert delivery %s: %w", s.StreamID, err)
			}
		}
		return nil
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
