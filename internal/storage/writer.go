package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// WriteJob is one unit of database work.
type WriteJob interface {
	Execute(ctx context.Context, db DB) error
}

type WriteJobFunc func(ctx context.Context, db DB) error

func (f WriteJobFunc) Execute(ctx context.Context, db DB) error {
	return f(ctx, db)
}

type WriterOptions struct {
	// QueueSize bounds jobs waiting to be written.
	QueueSize int
	// BatchSize flushes as soon as this many jobs are pending.
	BatchSize int
	// MaxDelay flushes pending jobs once the oldest has waited this long.
	MaxDelay time.Duration
	// JobTimeout bounds a single job's Execute.
	JobTimeout time.Duration
}

// WriterStats counts job outcomes since the writer started.
type WriterStats struct {
	Written  int64
	Failed   int64
	Rejected int64
}

// BatchWriter executes delivery jobs on a single goroutine so that storage
// latency never reaches a stream's emission loop.
type BatchWriter struct {
	db   DB
	opts WriterOptions
	in   chan WriteJob
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	written, failed, rejected atomic.Int64
}

func NewBatchWriter(db DB, opts WriterOptions) *BatchWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 100 * time.Millisecond
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	w := &BatchWriter{
		db:   db,
		opts: opts,
		in:   make(chan WriteJob, max(opts.QueueSize, 0)),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue hands job to the writer without blocking. It returns false, and
// the job is not run, when the queue is full or the writer has shut down.
func (w *BatchWriter) Enqueue(job WriteJob) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		select {
		case w.in <- job:
			return true
		default:
		}
	}
	if n := w.rejected.Add(1); n == 1 || n%100 == 0 {
		log.Warn().Int64("rejected", n).Bool("closed", w.closed).Msg("storage queue rejected job")
	}
	return false
}

func (w *BatchWriter) Stats() WriterStats {
	return WriterStats{
		Written:  w.written.Load(),
		Failed:   w.failed.Load(),
		Rejected: w.rejected.Load(),
	}
}

func (w *BatchWriter) run() {
	defer close(w.done)

	pending := make([]WriteJob, 0, w.opts.BatchSize)
	deadline := time.NewTimer(w.opts.MaxDelay)
	deadline.Stop()

	drain := func() {
		deadline.Stop()
		w.write(pending)
		clear(pending)
		pending = pending[:0]
	}

	for {
		select {
		case job, ok := <-w.in:
			if !ok {
				drain()
				return
			}
			if len(pending) == 0 {
				deadline.Reset(w.opts.MaxDelay)
			}
			pending = append(pending, job)
			if len(pending) >= w.opts.BatchSize {
				drain()
			}
		case <-deadline.C:
			drain()
		}
	}
}

func (w *BatchWriter) write(jobs []WriteJob) {
	if len(jobs) == 0 {
		return
	}
	start := time.Now()
	var failed int
	for _, job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.JobTimeout)
		err := job.Execute(ctx, w.db)
		cancel()
		if err != nil {
			failed++
			log.Error().Err(err).Msg("storage job failed")
		}
	}
	w.written.Add(int64(len(jobs) - failed))
	w.failed.Add(int64(failed))

	log.Debug().
		Int("jobs", len(jobs)).
		Int("failed", failed).
		Dur("took", time.Since(start)).
		Msg("storage batch written")
}

// Shutdown writes everything already queued and stops the writer. It is
// safe to call more than once.
func (w *BatchWriter) Shutdown() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.in)
	}
	w.mu.Unlock()
	<-w.done
}
