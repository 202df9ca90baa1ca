package stream

import "time"

// DeliverySummary is published once per stream when its terminal event is
// emitted. It feeds usage accounting outside the delivery path.
type DeliverySummary struct {
	StreamID    string    `json:"stream_id"`
	UserID      string    `json:"user_id"`
	Status      Type      `json:"status"` // done | error
	ErrorType   string    `json:"error_type,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	TotalTokens int       `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
	LatencyMs   int64     `json:"latency_ms"`
	Events      int64     `json:"events"`
	Chunks      int       `json:"chunks"`
	Heartbeats  int       `json:"heartbeats"`
	Attaches    int       `json:"attaches"`
	Replayed    int       `json:"replayed"`
}
