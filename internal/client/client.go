// Package client consumes a relay stream with automatic reconnection.
//
// A Client owns one logical stream across any number of physical
// connections. Raw events pass through a Sequencer so the application sees
// every payload exactly once and in order; reconnect churn is reported only
// through the optional state callback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/claude-relay/internal/stream"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderStreamID    = "X-Stream-ID"
	HeaderLastEventID = "Last-Event-ID"
)

var (
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("client closed")
	// ErrResyncRequired means the server no longer holds the events this
	// client is missing; the stream cannot be resumed.
	ErrResyncRequired = errors.New("server requires resync")
	// ErrReconnectExhausted is returned once MaxAttempts reconnects failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("client already running")

	errStall = errors.New("connection stalled")
	errGap   = errors.New("gap in event sequence")
	errEOF   = errors.New("connection ended before terminal event")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StatusError is a non-200 response from the relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Options struct {
	URL        string
	HTTPClient *http.Client
	UserID     string
	// StreamID resumes or names a stream; empty lets the server mint one.
	StreamID string
	Message  string
	Model    string

	Backoff      Backoff
	// StallTimeout bounds both silence on a connection and how long a gap
	// in the sequence may stay unfilled while events keep arriving.
	StallTimeout time.Duration
	// MaxAttempts bounds consecutive failed reconnects. Zero is unlimited.
	MaxAttempts int
	MaxPending  int
	// OnState observes lifecycle transitions, e.g. to show a reconnecting hint.
	OnState func(State)
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Result describes a stream that reached its terminal event.
type Result struct {
	StreamID   string
	Terminal   stream.Event
	Reconnects int
}

// Client is the connection manager for one stream.
type Client struct {
	opts Options
	seq  *Sequencer
	log  zerolog.Logger

	mu            sync.Mutex
	state         State
	streamID      string
	running       bool
	closed        bool
	closeCh       chan struct{}
	cancelAttempt context.CancelFunc
	aborted       error
	retryHint     time.Duration
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = 30 * time.Second
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		opts:     opts,
		seq:      NewSequencer(opts.MaxPending),
		log:      logger.With().Str("component", "relay-client").Logger(),
		streamID: opts.StreamID,
		closeCh:  make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// LastEventID is the highest id delivered to the application.
func (c *Client) LastEventID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.LastEventID()
}

// RetryHint is the most recent reconnect hint sent by the server.
func (c *Client) RetryHint() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryHint
}

// Close stops the client for good: the current connection and any pending
// reconnect timer are cancelled and no further reconnect is attempted.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Run connects and delivers the stream's chunk, done and error events to
// deliver, in id order and exactly once. It returns when the terminal event
// has been delivered, when the stream cannot be resumed, or after Close.
// Connection attempts are strictly sequential.
func (c *Client) Run(ctx context.Context, deliver func(stream.Event)) (Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	watchdog := NewWatchdog(c.opts.StallTimeout, c.onStall)
	defer watchdog.Disarm()

	res := Result{}
	failures := 0
	for {
		if c.isClosed() {
			c.setState(StateClosed)
			return res, ErrClosed
		}

		c.setState(StateConnecting)
		progressed, terminal, err := c.connect(ctx, watchdog, deliver)
		if terminal != nil {
			c.setState(StateClosed)
			res.StreamID = c.StreamID()
			res.Terminal = *terminal
			return res, nil
		}
		if c.isClosed() {
			c.setState(StateClosed)
			return res, ErrClosed
		}
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return res, ctx.Err()
		}
		if !retryable(err) {
			c.setState(StateClosed)
			return res, err
		}

		if progressed {
			failures = 0
		}
		failures++
		if c.opts.MaxAttempts > 0 && failures > c.opts.MaxAttempts {
			c.setState(StateClosed)
			return res, fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		c.setState(StateReconnecting)
		delay := c.opts.Backoff.Delay(failures)
		c.log.Debug().
			Err(err).
			Str("stream_id", c.StreamID()).
			Int("attempt", failures).
			Dur("delay", delay).
			Int64("last_event_id", c.LastEventID()).
			Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.closeCh:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
		res.Reconnects++
	}
}

func retryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrResyncRequired) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

func (c *Client) onStall() { c.abort(errStall) }

func (c *Client) onGap() { c.abort(errGap) }

// abort cancels the current attempt so that Run reconnects from the
// watermark.
func (c *Client) abort(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelAttempt != nil && c.aborted == nil {
		c.aborted = reason
		c.cancelAttempt()
	}
}

// connect performs one connection attempt. progressed reports whether any
// new event was delivered; terminal is set once the stream is finished.
func (c *Client) connect(ctx context.Context, watchdog *Watchdog, deliver func(stream.Event)) (progressed bool, terminal *stream.Event, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, nil, ErrClosed
	}
	c.cancelAttempt = cancel
	c.aborted = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelAttempt = nil
		if c.aborted != nil && err != nil {
			if errors.Is(c.aborted, errGap) {
				c.seq.Reset()
			}
			err = fmt.Errorf("%w: %w", c.aborted, err)
		}
		c.mu.Unlock()
	}()

	req, err := c.newRequest(attemptCtx)
	if err != nil {
		return false, nil, err
	}

	// the stall clock covers the time to first byte too
	watchdog.Arm()
	defer watchdog.Disarm()

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return false, nil, err
	}
	if id := resp.Header.Get(HeaderStreamID); id != "" {
		c.mu.Lock()
		c.streamID = id
		c.mu.Unlock()
	}
	c.setState(StateOpen)

	// heartbeats keep the stall watchdog quiet, so a gap that the server
	// never fills needs its own deadline
	gap := NewWatchdog(c.opts.StallTimeout, c.onGap)
	defer gap.Disarm()
	gapOpen := false

	reader := stream.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return progressed, nil, errEOF
			}
			return progressed, nil, fmt.Errorf("read stream: %w", err)
		}
		watchdog.RecordActivity()

		c.mu.Lock()
		if ev.Retry > 0 {
			c.retryHint = ev.Retry
		}
		ready, err := c.seq.Offer(ev)
		if errors.Is(err, ErrPendingOverflow) {
			c.seq.Reset()
		}
		pending := c.seq.Pending()
		c.mu.Unlock()
		if err != nil {
			return progressed, nil, fmt.Errorf("%w: %w", errGap, err)
		}

		switch {
		case pending == 0:
			if gapOpen {
				gap.Disarm()
				gapOpen = false
			}
		case !gapOpen || len(ready) > 0:
			// a new gap, or the watermark moved up to the next one
			gap.Arm()
			gapOpen = true
		}

		for _, out := range ready {
			progressed = true
			if c.isClosed() {
				return progressed, nil, ErrClosed
			}
			if out.Type != stream.TypeHeartbeat {
				deliver(out)
			}
			if out.Terminal() {
				t := out
				return progressed, &t, nil
			}
		}
	}
}

func (c *Client) newRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	c.mu.Lock()
	streamID := c.streamID
	lastID := c.seq.LastEventID()
	c.mu.Unlock()

	q := u.Query()
	if streamID != "" {
		q.Set("stream_id", streamID)
	}
	u.RawQuery = q.Encode()

	// until the first event arrives the stream may not exist yet, so the
	// content request is repeated; the server attaches if it already does
	var req *http.Request
	if lastID < 0 && c.opts.Message != "" {
		body, err := json.Marshal(map[string]string{"message": c.opts.Message, "model": c.opts.Model})
		if err != nil {
			return nil, fmt.Errorf("marshal content request: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(HeaderUserID, c.opts.UserID)
	if lastID >= 0 {
		req.Header.Set(HeaderLastEventID, strconv.FormatInt(lastID, 10))
	}
	return req, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusGone {
		return ErrResyncRequired
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "text/event-stream" {
		return &StatusError{StatusCode: resp.StatusCode, Message: "unexpected content type " + resp.Header.Get("Content-Type")}
	}
	return nil
}
