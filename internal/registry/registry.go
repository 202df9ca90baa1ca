// Package registry owns per-stream sequencing state and replay buffers.
//
// Closed streams stay replayable for a retention window and are then
// evicted. An evicted id leaves a tombstone so that late reconnects get an
// explicit ErrResyncRequired instead of a fresh, empty stream.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound       = errors.New("stream not found")
	ErrStreamClosed   = errors.New("stream closed")
	ErrResyncRequired = errors.New("stream replay unavailable, resync required")
	ErrCapacity       = errors.New("stream registry at capacity")
)

type Options struct {
	// Retention is how long a closed stream remains replayable.
	Retention time.Duration
	// TombstoneTTL is how long an evicted id keeps answering ErrResyncRequired.
	TombstoneTTL time.Duration
	// MaxRecords caps the replay buffer of each stream. Zero means unbounded.
	MaxRecords int
	// MaxStreams caps the number of live (non-evicted) streams. Zero means unbounded.
	MaxStreams int
	Now        func() time.Time
}

type Registry struct {
	opts Options

	mu         sync.Mutex
	streams    map[string]*StreamState
	tombstones map[string]time.Time
}

func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention <= 0 {
		opts.Retention = 2 * time.Minute
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 30 * time.Minute
	}
	return &Registry{
		opts:       opts,
		streams:    make(map[string]*StreamState),
		tombstones: make(map[string]time.Time),
	}
}

// Create returns the live state for id, allocating it on first use. created
// reports whether this call allocated it; only that caller may start the
// stream's emission loop.
func (r *Registry) Create(id, userID string) (state *StreamState, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.tombstones[id]; gone {
		return nil, false, fmt.Errorf("create stream %s: %w", id, ErrResyncRequired)
	}
	if s, ok := r.streams[id]; ok {
		if s.Closed() {
			return nil, false, fmt.Errorf("create stream %s: %w", id, ErrStreamClosed)
		}
		return s, false, nil
	}
	if r.opts.MaxStreams > 0 && len(r.streams) >= r.opts.MaxStreams {
		return nil, false, ErrCapacity
	}

	s := newStreamState(id, userID, r.opts.MaxRecords, r.opts.Now)
	r.streams[id] = s
	return s, true, nil
}

// Get returns the state for id, live or closed-but-retained.
func (r *Registry) Get(id string) (*StreamState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[id]; ok {
		return s, nil
	}
	if _, gone := r.tombstones[id]; gone {
		return nil, fmt.Errorf("stream %s: %w", id, ErrResyncRequired)
	}
	return nil, fmt.Errorf("stream %s: %w", id, ErrNotFound)
}

// Remove evicts id immediately, leaving a tombstone.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(id, r.opts.Now())
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Sweep evicts closed streams whose retention has elapsed and forgets
// expired tombstones. It returns the number of streams evicted.
func (r *Registry) Sweep() int {
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, s := range r.streams {
		if s.expired(r.opts.Retention, now) {
			r.evictLocked(id, now)
			evicted++
		}
	}
	for id, at := range r.tombstones {
		if now.Sub(at) >= r.opts.TombstoneTTL {
			delete(r.tombstones, id)
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Int("live", r.Len()).Msg("registry sweep")
			}
		}
	}
}

func (r *Registry) evictLocked(id string, now time.Time) {
	if s, ok := r.streams[id]; ok {
		s.evict()
		delete(r.streams, id)
	}
	r.tombstones[id] = now
}
