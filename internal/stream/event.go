package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the SSE event name written on the "event:" line.
type Type string

const (
	TypeChunk     Type = "chunk"
	TypeHeartbeat Type = "heartbeat"
	TypeDone      Type = "done"
	TypeError     Type = "error"
)

func (t Type) Valid() bool {
	switch t {
	case TypeChunk, TypeHeartbeat, TypeDone, TypeError:
		return true
	}
	return false
}

// Terminal reports whether no further events may follow an event of this type.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Event is one server-to-client frame. IDs are stream-scoped, start at 0
// and are strictly increasing.
type Event struct {
	ID    int64
	Type  Type
	Retry time.Duration
	Data  json.RawMessage
}

func (e Event) Terminal() bool { return e.Type.Terminal() }

type ChunkPayload struct {
	Content string  `json:"content"`
	Tokens  int     `json:"tokens"`
	Cost    float64 `json:"cost"`
}

type HeartbeatPayload struct{}

type DonePayload struct {
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
	LatencyMs   int64   `json:"latency_ms"`
}

// ErrorPayload is what clients see on failure. Error is a sanitized message.
type ErrorPayload struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// Error types carried by ErrorPayload.ErrorType.
const (
	ErrorTypeUpstream       = "upstream_error"
	ErrorTypeAbandoned      = "stream_abandoned"
	ErrorTypeShutdown       = "server_shutdown"
	ErrorTypeResyncRequired = "resync_required"
)

// NewEvent marshals payload into an Event of type t. The ID is assigned by
// the caller.
func NewEvent(t Type, id int64, retry time.Duration, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{ID: id, Type: t, Retry: retry, Data: data}, nil
}

func (e Event) Chunk() (ChunkPayload, error) {
	var p ChunkPayload
	err := e.decode(TypeChunk, &p)
	return p, err
}

func (e Event) Done() (DonePayload, error) {
	var p DonePayload
	err := e.decode(TypeDone, &p)
	return p, err
}

func (e Event) Err() (ErrorPayload, error) {
	var p ErrorPayload
	err := e.decode(TypeError, &p)
	return p, err
}

func (e Event) decode(want Type, v any) error {
	if e.Type != want {
		return fmt.Errorf("event %d is %q, not %q", e.ID, e.Type, want)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload for event %d: %w", want, e.ID, err)
	}
	return nil
}
