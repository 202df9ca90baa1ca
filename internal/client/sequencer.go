package client

import (
	"errors"

	"github.com/namikmesic/claude-relay/internal/stream"
)

// ErrPendingOverflow means too many out-of-order events are waiting on a gap.
// The caller should reconnect from LastEventID and Reset the pending buffer.
var ErrPendingOverflow = errors.New("sequencer pending buffer full")

// Sequencer turns a duplicated, reordered or replayed event stream into an
// exactly-once, in-order one.
//
// Delivered ids are always the contiguous range [0, next), so the set of
// processed ids is represented by the watermark next: membership and
// insertion are O(1) and the set can only grow.
type Sequencer struct {
	next       int64
	pending    map[int64]stream.Event
	maxPending int
}

// NewSequencer returns a sequencer buffering at most maxPending out-of-order
// events. Zero means unbounded.
func NewSequencer(maxPending int) *Sequencer {
	return &Sequencer{pending: make(map[int64]stream.Event), maxPending: maxPending}
}

// Offer accepts one raw event and returns the events that became
// deliverable, in ascending id order.
func (s *Sequencer) Offer(ev stream.Event) ([]stream.Event, error) {
	switch {
	case ev.ID < s.next:
		return nil, nil
	case ev.ID > s.next:
		if _, dup := s.pending[ev.ID]; dup {
			return nil, nil
		}
		if s.maxPending > 0 && len(s.pending) >= s.maxPending {
			return nil, ErrPendingOverflow
		}
		s.pending[ev.ID] = ev
		return nil, nil
	}

	out := []stream.Event{ev}
	s.next++
	for {
		buffered, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		out = append(out, buffered)
		s.next++
	}
	return out, nil
}

// Processed reports whether id has already been delivered.
func (s *Sequencer) Processed(id int64) bool { return id < s.next }

// NextExpected is the smallest id not yet delivered.
func (s *Sequencer) NextExpected() int64 { return s.next }

// LastEventID is the highest delivered id, -1 before the first delivery.
func (s *Sequencer) LastEventID() int64 { return s.next - 1 }

func (s *Sequencer) Pending() int { return len(s.pending) }

// Reset drops buffered out-of-order events. Delivered state is kept.
func (s *Sequencer) Reset() {
	clear(s.pending)
}
