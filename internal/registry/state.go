package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/namikmesic/claude-relay/internal/stream"
)

// Record is one emitted event as it went out on the wire. Data holds the
// encoded payload so replay is byte-identical to the original send.
type Record struct {
	ID    int64
	Type  stream.Type
	Retry time.Duration
	Data  json.RawMessage
}

func (r Record) Event() stream.Event {
	return stream.Event{ID: r.ID, Type: r.Type, Retry: r.Retry, Data: r.Data}
}

func RecordOf(ev stream.Event) Record {
	return Record{ID: ev.ID, Type: ev.Type, Retry: ev.Retry, Data: ev.Data}
}

// StreamState is the sequencing state and replay buffer of one stream.
//
// NextID, Record and Close must only be called by the stream's single
// emission loop. ReplayAfter and the accessors are safe from any goroutine.
type StreamState struct {
	id        string
	userID    string
	createdAt time.Time

	mu       sync.RWMutex
	nextID   int64
	records  []Record
	trimmed  int64 // count of records dropped from the head of the buffer
	max      int
	closed   bool
	closedAt time.Time
	evicted  bool
	now      func() time.Time
}

func newStreamState(id, userID string, maxRecords int, now func() time.Time) *StreamState {
	return &StreamState{
		id:        id,
		userID:    userID,
		createdAt: now(),
		max:       maxRecords,
		now:       now,
	}
}

func (s *StreamState) ID() string     { return s.id }
func (s *StreamState) UserID() string { return s.userID }

func (s *StreamState) CreatedAt() time.Time { return s.createdAt }

// NextID returns the id for the next event and advances the counter.
func (s *StreamState) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// Record appends rec to the replay buffer. rec.ID must be the most recently
// issued id that has not been recorded yet.
func (s *StreamState) Record(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("record event %d on stream %s: %w", rec.ID, s.id, ErrStreamClosed)
	}
	want := s.trimmed + int64(len(s.records))
	if rec.ID != want || rec.ID >= s.nextID {
		return fmt.Errorf("record event %d on stream %s: expected id %d", rec.ID, s.id, want)
	}

	s.records = append(s.records, rec)
	if s.max > 0 && len(s.records) > s.max {
		drop := len(s.records) - s.max
		s.records = s.records[drop:]
		s.trimmed += int64(drop)
	}
	return nil
}

// ReplayAfter returns every record with an id greater than lastID, in order.
// lastID of -1 replays the whole stream. A caught-up lastID yields an empty
// slice. If any record the caller is missing is no longer buffered,
// ErrResyncRequired is returned instead of a partial replay.
func (s *StreamState) ReplayAfter(lastID int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, err := s.replayStartLocked(lastID)
	if err != nil || start < 0 {
		return nil, err
	}
	out := make([]Record, len(s.records)-start)
	copy(out, s.records[start:])
	return out, nil
}

// CheckReplay reports the error ReplayAfter(lastID) would return without
// copying any records.
func (s *StreamState) CheckReplay(lastID int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.replayStartLocked(lastID)
	return err
}

// replayStartLocked returns the buffer index of the first record after
// lastID, or -1 when there is nothing to replay.
func (s *StreamState) replayStartLocked(lastID int64) (int, error) {
	if lastID < -1 {
		return -1, fmt.Errorf("replay stream %s after %d: invalid event id", s.id, lastID)
	}
	if s.evicted {
		return -1, fmt.Errorf("replay stream %s: %w", s.id, ErrResyncRequired)
	}
	end := s.trimmed + int64(len(s.records))
	if lastID+1 >= end {
		return -1, nil
	}
	if lastID+1 < s.trimmed {
		return -1, fmt.Errorf("replay stream %s after %d: oldest buffered id is %d: %w",
			s.id, lastID, s.trimmed, ErrResyncRequired)
	}
	return int(lastID + 1 - s.trimmed), nil
}

// LastID is the id of the most recently recorded event, -1 if none.
func (s *StreamState) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trimmed + int64(len(s.records)) - 1
}

// Close marks the stream finished. It is the last legal mutation.
func (s *StreamState) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closedAt = s.now()
}

func (s *StreamState) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *StreamState) expired(retention time.Duration, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed && now.Sub(s.closedAt) >= retention
}

func (s *StreamState) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = true
	s.closed = true
	s.records = nil
}
