// Package emitter runs the emission loop of a stream: the single goroutine
// that assigns event ids, records events into the replay buffer and writes
// them to whichever client connection is currently attached.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/claude-relay/internal/registry"
	"github.com/namikmesic/claude-relay/internal/stream"
)

var (
	// ErrSuperseded is returned from Attach when a newer connection for the
	// same stream took over.
	ErrSuperseded = errors.New("connection superseded by a newer attach")
	// ErrFinished is returned from Attach once the loop has exited; the
	// caller should replay from the closed stream state instead.
	ErrFinished = errors.New("emission loop finished")
)

// Publisher receives one summary per finished stream.
type Publisher interface {
	PublishSummary(ctx context.Context, s stream.DeliverySummary) error
}

type Options struct {
	// HeartbeatInterval is the idle time after which a heartbeat is sent to
	// an attached connection.
	HeartbeatInterval time.Duration
	// RetryHint is written on every event as the client reconnect delay.
	// Defaults to DefaultRetryHint.
	RetryHint time.Duration
	// OrphanTimeout aborts production once no connection has been attached
	// for this long. Zero disables it.
	OrphanTimeout time.Duration
	Publisher     Publisher
	Now           func() time.Time
}

const DefaultRetryHint = 3 * time.Second

type attachment struct {
	ctx    context.Context
	sink   Sink
	lastID int64
	result chan error
}

type fragmentResult struct {
	frag Fragment
	err  error
}

// Loop is the emission loop of one stream. Create it with New, start Run in
// its own goroutine and hand connections to it with Attach.
type Loop struct {
	state  *registry.StreamState
	source Source
	opts   Options
	log    zerolog.Logger

	attachCh chan *attachment
	done     chan struct{}

	cur      *attachment
	summary  stream.DeliverySummary
	started  time.Time
	finished bool
	detached bool
}

func New(state *registry.StreamState, source Source, opts Options) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.RetryHint <= 0 {
		opts.RetryHint = DefaultRetryHint
	}
	return &Loop{
		state:    state,
		source:   source,
		opts:     opts,
		log:      log.With().Str("stream_id", state.ID()).Logger(),
		attachCh: make(chan *attachment),
		done:     make(chan struct{}),
		summary: stream.DeliverySummary{
			StreamID: state.ID(),
			UserID:   state.UserID(),
		},
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Attach hands sink to the loop. Events after lastID are replayed to it,
// then live events follow. Attach blocks until the sink is released: nil
// after the terminal event was written, ErrSuperseded when another
// connection attached, the write error if the connection failed, or
// ctx.Err() when ctx ends. The loop never touches sink after Attach returns.
func (l *Loop) Attach(ctx context.Context, sink Sink, lastID int64) error {
	a := &attachment{ctx: ctx, sink: sink, lastID: lastID, result: make(chan error, 1)}
	select {
	case l.attachCh <- a:
	case <-l.done:
		return ErrFinished
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-a.result
}

// Run drives the stream until a terminal event is emitted. Cancelling ctx
// ends the stream with a server_shutdown error event.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	l.started = l.opts.Now()
	l.summary.StartedAt = l.started
	l.log.Debug().Msg("emission loop started")

	prodCtx, cancelProd := context.WithCancel(ctx)
	defer cancelProd()
	frags := make(chan fragmentResult)
	go l.produce(prodCtx, frags)

	heartbeat := time.NewTimer(l.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	orphan := time.NewTimer(time.Hour)
	orphan.Stop()
	defer orphan.Stop()
	if l.opts.OrphanTimeout > 0 {
		orphan.Reset(l.opts.OrphanTimeout)
	}

	for !l.finished {
		var heartbeatC <-chan time.Time
		var curDone <-chan struct{}
		if l.cur != nil {
			heartbeatC = heartbeat.C
			curDone = l.cur.ctx.Done()
		}

		select {
		case fr := <-frags:
			switch {
			case fr.err == nil:
				l.summary.TotalTokens += fr.frag.Tokens
				l.summary.TotalCost += fr.frag.Cost
				l.summary.Chunks++
				l.emit(stream.TypeChunk, stream.ChunkPayload{
					Content: fr.frag.Content,
					Tokens:  fr.frag.Tokens,
					Cost:    fr.frag.Cost,
				})
			case errors.Is(fr.err, io.EOF):
				l.emit(stream.TypeDone, stream.DonePayload{
					TotalTokens: l.summary.TotalTokens,
					TotalCost:   l.summary.TotalCost,
					LatencyMs:   l.opts.Now().Sub(l.started).Milliseconds(),
				})
			case ctx.Err() != nil:
				// production stopped because of shutdown, reported below
			default:
				l.log.Error().Err(fr.err).Msg("content production failed")
				l.emit(stream.TypeError, stream.ErrorPayload{
					Error:     "content generation failed",
					ErrorType: stream.ErrorTypeUpstream,
				})
			}
			heartbeat.Reset(l.opts.HeartbeatInterval)

		case <-heartbeatC:
			l.summary.Heartbeats++
			l.emit(stream.TypeHeartbeat, stream.HeartbeatPayload{})
			heartbeat.Reset(l.opts.HeartbeatInterval)

		case a := <-l.attachCh:
			l.attach(a)
			heartbeat.Reset(l.opts.HeartbeatInterval)

		case <-curDone:
			l.log.Debug().Err(l.cur.ctx.Err()).Msg("connection gone")
			l.release(l.cur.ctx.Err())

		case <-orphan.C:
			l.log.Warn().Dur("after", l.opts.OrphanTimeout).Msg("no client attached, abandoning stream")
			cancelProd()
			l.emit(stream.TypeError, stream.ErrorPayload{
				Error:     "stream abandoned by client",
				ErrorType: stream.ErrorTypeAbandoned,
			})

		case <-ctx.Done():
			cancelProd()
			l.emit(stream.TypeError, stream.ErrorPayload{
				Error:     "server shutting down",
				ErrorType: stream.ErrorTypeShutdown,
			})
		}

		switch {
		case l.finished:
		case l.cur != nil:
			l.detached = false
			orphan.Stop()
		case l.detached:
			// the orphan clock starts when the last connection goes away
			l.detached = false
			if l.opts.OrphanTimeout > 0 {
				orphan.Reset(l.opts.OrphanTimeout)
			}
		}
	}

	l.log.Debug().
		Str("status", string(l.summary.Status)).
		Int64("events", l.summary.Events).
		Int("attaches", l.summary.Attaches).
		Msg("emission loop finished")
}

func (l *Loop) produce(ctx context.Context, out chan<- fragmentResult) {
	for {
		frag, err := l.source.Next(ctx)
		select {
		case out <- fragmentResult{frag: frag, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// emit assigns the next id to a new event, records it and writes it to the
// attached connection. A terminal event closes the stream.
func (l *Loop) emit(t stream.Type, payload any) {
	ev, err := stream.NewEvent(t, 0, l.opts.RetryHint, payload)
	if err != nil {
		l.log.Error().Err(err).Str("type", string(t)).Msg("failed to build event")
		if !t.Terminal() {
			return
		}
		ev = stream.Event{Type: t, Retry: l.opts.RetryHint, Data: []byte("{}")}
	}

	ev.ID = l.state.NextID()
	if err := l.state.Record(registry.RecordOf(ev)); err != nil {
		// the stream was evicted under us; nothing more can be delivered
		l.log.Error().Err(err).Int64("id", ev.ID).Msg("failed to record event")
		l.release(err)
		l.finished = true
		return
	}
	l.summary.Events++

	if l.cur != nil {
		if err := l.cur.sink.WriteEvent(ev); err != nil {
			l.log.Info().Err(err).Int64("id", ev.ID).Msg("connection write failed, detaching")
			l.release(err)
		}
	}

	if t.Terminal() {
		l.finish(ev)
	}
}

func (l *Loop) finish(terminal stream.Event) {
	l.finished = true
	l.state.Close()
	l.release(nil)

	l.summary.Status = terminal.Type
	if terminal.Type == stream.TypeError {
		if p, err := terminal.Err(); err == nil {
			l.summary.ErrorType = p.ErrorType
		}
	}
	l.summary.LatencyMs = l.opts.Now().Sub(l.started).Milliseconds()

	if l.opts.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.opts.Publisher.PublishSummary(ctx, l.summary); err != nil {
		l.log.Warn().Err(err).Msg("failed to publish delivery summary")
	}
}

// attach replaces the current connection with a and replays what a missed.
func (l *Loop) attach(a *attachment) {
	if l.cur != nil {
		l.release(ErrSuperseded)
	}
	l.summary.Attaches++

	records, err := l.state.ReplayAfter(a.lastID)
	if err != nil {
		a.result <- err
		return
	}
	l.cur = a
	for _, rec := range records {
		if err := a.sink.WriteEvent(rec.Event()); err != nil {
			l.log.Info().Err(err).Int64("id", rec.ID).Msg("replay write failed, detaching")
			l.release(fmt.Errorf("replay event %d: %w", rec.ID, err))
			return
		}
		l.summary.Replayed++
	}
	l.log.Debug().Int64("last_event_id", a.lastID).Int("replayed", len(records)).Msg("connection attached")
}

// release detaches the current connection, unblocking its Attach with err.
func (l *Loop) release(err error) {
	if l.cur == nil {
		return
	}
	l.cur.result <- err
	l.cur = nil
	l.detached = true
}
