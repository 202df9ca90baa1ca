package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namikmesic/claude-relay/internal/emitter"
	"github.com/namikmesic/claude-relay/internal/generator"
	"github.com/namikmesic/claude-relay/internal/registry"
	"github.com/namikmesic/claude-relay/internal/server"
	"github.com/namikmesic/claude-relay/internal/stream"
)

var fastBackoff = Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}

func newRelay(t *testing.T, gen generator.Generator) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := server.NewHandler(ctx, server.Options{
		Registry:     registry.New(registry.Options{}),
		Generator:    gen,
		Emitter:      emitter.Options{HeartbeatInterval: time.Minute, RetryHint: time.Second},
		WriteTimeout: time.Second,
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		cancel()
		srv.CloseClientConnections()
		h.Wait()
		srv.Close()
	})
	return srv
}

// lossyTransport lets a test tamper with each response body and records
// the resume point of every attempt.
type lossyTransport struct {
	base http.RoundTripper
	wrap func(attempt int, body io.ReadCloser) io.ReadCloser

	mu      sync.Mutex
	lastIDs []string
	methods []string
}

func (c *lossyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.lastIDs = append(c.lastIDs, req.Header.Get(HeaderLastEventID))
	c.methods = append(c.methods, req.Method)
	attempt := len(c.lastIDs)
	c.mu.Unlock()

	resp, err := c.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = c.wrap(attempt, resp.Body)
	return resp, nil
}

func (c *lossyTransport) seen() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lastIDs...), append([]string(nil), c.methods...)
}

// cutBody ends the body after a number of frames.
type cutBody struct {
	rc     io.ReadCloser
	frames int
	prev   byte
	done   bool
}

func (b *cutBody) Read(p []byte) (int, error) {
	if b.done || b.frames <= 0 {
		b.done = true
		b.rc.Close()
		return 0, io.EOF
	}
	n, err := b.rc.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == '\n' && b.prev == '\n' {
			b.prev = 0
			b.frames--
			if b.frames == 0 {
				b.done = true
				b.rc.Close()
				return i + 1, nil
			}
			continue
		}
		b.prev = p[i]
	}
	return n, err
}

func (b *cutBody) Close() error { return b.rc.Close() }

// dropBody silently loses frames for which drop returns true.
type dropBody struct {
	rc   io.ReadCloser
	drop func(frame []byte) bool
	in   []byte
	out  []byte
	err  error
}

func (b *dropBody) Read(p []byte) (int, error) {
	for len(b.out) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		buf := make([]byte, 4096)
		n, err := b.rc.Read(buf)
		b.in = append(b.in, buf[:n]...)
		for {
			i := bytes.Index(b.in, []byte("\n\n"))
			if i < 0 {
				break
			}
			if frame := b.in[:i+2]; !b.drop(frame) {
				b.out = append(b.out, frame...)
			}
			b.in = b.in[i+2:]
		}
		b.err = err
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

func (b *dropBody) Close() error { return b.rc.Close() }

type collector struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *collector) deliver(ev stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) text(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, ev := range c.events {
		if ev.Type != stream.TypeChunk {
			continue
		}
		p, err := ev.Chunk()
		require.NoError(t, err)
		sb.WriteString(p.Content)
	}
	return sb.String()
}

func (c *collector) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.ID)
	}
	return out
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func run(t *testing.T, c *Client, col *collector) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx, col.deliver)
}

func TestResumeAfterDisconnect(t *testing.T) {
	srv := newRelay(t, generator.Echo{Delay: time.Millisecond})
	msg := words(10)

	transport := &lossyTransport{base: http.DefaultTransport, wrap: func(attempt int, body io.ReadCloser) io.ReadCloser {
		if attempt == 1 {
			return &cutBody{rc: body, frames: 6}
		}
		return body
	}}
	var states []State
	c := New(Options{
		URL:        srv.URL + "/v1/stream",
		HTTPClient: &http.Client{Transport: transport},
		UserID:     "u-1",
		Message:    msg,
		Backoff:    fastBackoff,
		OnState:    func(s State) { states = append(states, s) },
	})

	col := &collector{}
	res, err := run(t, c, col)
	require.NoError(t, err)

	assert.Equal(t, stream.TypeDone, res.Terminal.Type)
	assert.Equal(t, int64(10), res.Terminal.ID)
	assert.Equal(t, 1, res.Reconnects)
	assert.NotEmpty(t, res.StreamID)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, col.ids())
	assert.Equal(t, msg, col.text(t))

	lastIDs, methods := transport.seen()
	assert.Equal(t, []string{"", "5"}, lastIDs)
	assert.Equal(t, []string{http.MethodPost, http.MethodGet}, methods)
	assert.Equal(t, []State{StateConnecting, StateOpen, StateReconnecting, StateConnecting, StateOpen, StateClosed}, states)
	assert.Equal(t, time.Second, c.RetryHint())
}

func TestDroppedConnectionsDeliverExactlyOnce(t *testing.T) {
	srv := newRelay(t, generator.Echo{Delay: time.Millisecond})
	msg := words(100)

	rng := rand.New(rand.NewPCG(7, 11))
	var rngMu sync.Mutex
	transport := &lossyTransport{base: http.DefaultTransport, wrap: func(_ int, body io.ReadCloser) io.ReadCloser {
		rngMu.Lock()
		defer rngMu.Unlock()
		// each frame drops the connection with probability 0.2
		k := 1
		for rng.Float64() >= 0.2 {
			k++
		}
		return &cutBody{rc: body, frames: k}
	}}
	c := New(Options{
		URL:        srv.URL + "/v1/stream",
		HTTPClient: &http.Client{Transport: transport},
		UserID:     "u-1",
		Message:    msg,
		Backoff:    fastBackoff,
	})

	col := &collector{}
	res, err := run(t, c, col)
	require.NoError(t, err)
	assert.Equal(t, stream.TypeDone, res.Terminal.Type)
	assert.Equal(t, sequence(101), col.ids())
	assert.Equal(t, msg, col.text(t))
	assert.Positive(t, res.Reconnects)
}

func TestDroppedChunksAreRecovered(t *testing.T) {
	srv := newRelay(t, generator.Echo{Delay: time.Millisecond})
	msg := words(100)

	rng := rand.New(rand.NewPCG(3, 5))
	var rngMu sync.Mutex
	transport := &lossyTransport{base: http.DefaultTransport, wrap: func(_ int, body io.ReadCloser) io.ReadCloser {
		return &dropBody{rc: body, drop: func(frame []byte) bool {
			if !bytes.HasPrefix(frame, []byte("event: chunk")) {
				return false
			}
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64() < 0.2
		}}
	}}
	c := New(Options{
		URL:        srv.URL + "/v1/stream",
		HTTPClient: &http.Client{Transport: transport},
		UserID:     "u-1",
		Message:    msg,
		Backoff:    fastBackoff,
		MaxPending: 1024,
	})

	col := &collector{}
	res, err := run(t, c, col)
	require.NoError(t, err)
	assert.Equal(t, stream.TypeDone, res.Terminal.Type)
	assert.Equal(t, sequence(101), col.ids())
	assert.Equal(t, msg, col.text(t))
	assert.Positive(t, res.Reconnects)
}

func sequence(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

// scripted serves fixed frames per attempt and records request headers.
type scripted struct {
	mu       sync.Mutex
	attempts int
	lastIDs  []string
	streams  []string
	serve    func(attempt int, w http.ResponseWriter, r *http.Request)
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.lastIDs = append(s.lastIDs, r.Header.Get(HeaderLastEventID))
	s.streams = append(s.streams, r.URL.Query().Get("stream_id"))
	s.mu.Unlock()
	s.serve(n, w, r)
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set(HeaderStreamID, "scripted")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

// send writes one frame. Write errors are ignored since the client may
// legitimately hang up mid-script.
func send(t *testing.T, w http.ResponseWriter, typ stream.Type, id int64, payload any) {
	ev, err := stream.NewEvent(typ, id, 0, payload)
	if !assert.NoError(t, err) {
		return
	}
	if err := stream.Encode(w, ev); err != nil {
		return
	}
	w.(http.Flusher).Flush()
}

func TestStallTriggersSingleReconnect(t *testing.T) {
	s := &scripted{serve: func(attempt int, w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		if attempt == 1 {
			send(t, w, stream.TypeChunk, 0, stream.ChunkPayload{Content: "a"})
			<-r.Context().Done()
			return
		}
		send(t, w, stream.TypeChunk, 1, stream.ChunkPayload{Content: "b"})
		send(t, w, stream.TypeDone, 2, stream.DonePayload{})
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	var reconnecting atomic.Int32
	c := New(Options{
		URL:          srv.URL,
		UserID:       "u-1",
		Message:      "ab",
		Backoff:      fastBackoff,
		StallTimeout: 100 * time.Millisecond,
		OnState: func(st State) {
			if st == StateReconnecting {
				reconnecting.Add(1)
			}
		},
	})

	col := &collector{}
	res, err := run(t, c, col)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconnects)
	assert.Equal(t, int32(1), reconnecting.Load())
	assert.Equal(t, 2, s.count())
	assert.Equal(t, []string{"", "0"}, s.lastIDs)
	assert.Equal(t, []string{"", "scripted"}, s.streams)
	assert.Equal(t, "ab", col.text(t))
}

func TestGapOnLiveConnectionReconnects(t *testing.T) {
	s := &scripted{serve: func(attempt int, w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		if attempt == 1 {
			// id 1 never arrives; heartbeats keep the connection busy
			send(t, w, stream.TypeChunk, 0, stream.ChunkPayload{Content: "a"})
			for id := int64(2); ; id++ {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(20 * time.Millisecond):
				}
				send(t, w, stream.TypeHeartbeat, id, stream.HeartbeatPayload{})
			}
		}
		send(t, w, stream.TypeChunk, 1, stream.ChunkPayload{Content: "b"})
		send(t, w, stream.TypeDone, 2, stream.DonePayload{})
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{
		URL:          srv.URL,
		UserID:       "u-1",
		Message:      "ab",
		Backoff:      fastBackoff,
		StallTimeout: 100 * time.Millisecond,
	})

	col := &collector{}
	res, err := run(t, c, col)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconnects)
	assert.Equal(t, 2, s.count())
	assert.Equal(t, []string{"", "0"}, s.lastIDs)
	assert.Equal(t, []int64{0, 1, 2}, col.ids())
	assert.Equal(t, "ab", col.text(t))
}

func TestHeartbeatsAreNotDelivered(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		send(t, w, stream.TypeHeartbeat, 0, stream.HeartbeatPayload{})
		send(t, w, stream.TypeChunk, 1, stream.ChunkPayload{Content: "x"})
		send(t, w, stream.TypeHeartbeat, 2, stream.HeartbeatPayload{})
		send(t, w, stream.TypeDone, 3, stream.DonePayload{})
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{URL: srv.URL, UserID: "u-1", Message: "x", Backoff: fastBackoff})
	col := &collector{}
	_, err := run(t, c, col)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, col.ids())
	assert.Equal(t, int64(3), c.LastEventID())
}

func TestPendingOverflowReconnectsFromWatermark(t *testing.T) {
	s := &scripted{serve: func(attempt int, w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		if attempt == 1 {
			send(t, w, stream.TypeChunk, 0, stream.ChunkPayload{Content: "0"})
			for id := int64(2); id <= 5; id++ {
				send(t, w, stream.TypeChunk, id, stream.ChunkPayload{Content: "?"})
			}
			return
		}
		for id := int64(1); id <= 3; id++ {
			send(t, w, stream.TypeChunk, id, stream.ChunkPayload{Content: fmt.Sprint(id)})
		}
		send(t, w, stream.TypeDone, 4, stream.DonePayload{})
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{URL: srv.URL, UserID: "u-1", Message: "x", Backoff: fastBackoff, MaxPending: 2})
	col := &collector{}
	res, err := run(t, c, col)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconnects)
	assert.Equal(t, []string{"", "0"}, s.lastIDs)
	assert.Equal(t, "0123", col.text(t))
}

func TestResyncRequiredIsFatal(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `{"error":"gone","error_type":"resync_required"}`)
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	var last State
	c := New(Options{URL: srv.URL, UserID: "u-1", StreamID: "old", Backoff: fastBackoff, OnState: func(st State) { last = st }})
	_, err := run(t, c, &collector{})
	assert.ErrorIs(t, err, ErrResyncRequired)
	assert.Equal(t, 1, s.count())
	assert.Equal(t, StateClosed, last)
}

func TestClientErrorsAreFatal(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such stream", http.StatusNotFound)
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{URL: srv.URL, UserID: "u-1", StreamID: "missing", Backoff: fastBackoff})
	_, err := run(t, c, &collector{})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "no such stream", se.Message)
	assert.Equal(t, 1, s.count())
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{URL: srv.URL, UserID: "u-1", Message: "x", Backoff: fastBackoff, MaxAttempts: 2})
	res, err := run(t, c, &collector{})
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 3, s.count())
	assert.Equal(t, 2, res.Reconnects)
}

func TestCloseSuppressesReconnect(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	var c *Client
	c = New(Options{
		URL:     srv.URL,
		UserID:  "u-1",
		Message: "x",
		Backoff: Backoff{Base: time.Minute, Max: time.Minute},
		OnState: func(st State) {
			if st == StateReconnecting {
				go c.Close()
			}
		},
	})

	start := time.Now()
	_, err := run(t, c, &collector{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, s.count())
	assert.Equal(t, StateClosed, c.State())

	_, err = c.Run(context.Background(), func(stream.Event) {})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCloseStopsDeliveryOfSequencedEvents(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		// offering 0 releases 0 and 1 together
		send(t, w, stream.TypeChunk, 1, stream.ChunkPayload{Content: "b"})
		send(t, w, stream.TypeChunk, 0, stream.ChunkPayload{Content: "a"})
		send(t, w, stream.TypeDone, 2, stream.DonePayload{})
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{URL: srv.URL, UserID: "u-1", Message: "ab", Backoff: fastBackoff})
	col := &collector{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Run(ctx, func(ev stream.Event) {
		col.deliver(ev)
		c.Close()
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []int64{0}, col.ids())
	assert.Equal(t, 1, s.count())
}

func TestCloseAbortsOpenConnection(t *testing.T) {
	s := &scripted{serve: func(_ int, w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		send(t, w, stream.TypeChunk, 0, stream.ChunkPayload{Content: "a"})
		<-r.Context().Done()
	}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := New(Options{URL: srv.URL, UserID: "u-1", Message: "x", Backoff: fastBackoff})
	col := &collector{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Run(ctx, func(ev stream.Event) {
		col.deliver(ev)
		go c.Close()
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, s.count())
	assert.Equal(t, []int64{0}, col.ids())
}
