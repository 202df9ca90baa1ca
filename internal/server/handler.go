// Package server exposes resumable event streams over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/claude-relay/internal/emitter"
	"github.com/namikmesic/claude-relay/internal/generator"
	"github.com/namikmesic/claude-relay/internal/registry"
	"github.com/namikmesic/claude-relay/internal/stream"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderStreamID    = "X-Stream-ID"
	HeaderLastEventID = "Last-Event-ID"

	maxRequestBody = 1 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

type Options struct {
	Registry  *registry.Registry
	Generator generator.Generator
	// Auth defaults to HeaderAuthenticator.
	Auth         Authenticator
	Emitter      emitter.Options
	WriteTimeout time.Duration
}

// Handler serves /v1/stream. Emission loops run on the context given to
// NewHandler, not on request contexts, so a stream outlives the connection
// that started it. Cancelling that context ends every live stream with a
// server_shutdown event.
type Handler struct {
	ctx          context.Context
	reg          *registry.Registry
	gen          generator.Generator
	auth         Authenticator
	emitOpts     emitter.Options
	writeTimeout time.Duration

	mu    sync.Mutex
	loops map[string]*emitter.Loop
	wg    sync.WaitGroup
}

func NewHandler(ctx context.Context, opts Options) *Handler {
	auth := opts.Auth
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &Handler{
		ctx:          ctx,
		reg:          opts.Registry,
		gen:          opts.Generator,
		auth:         auth,
		emitOpts:     opts.Emitter,
		writeTimeout: opts.WriteTimeout,
		loops:        make(map[string]*emitter.Loop),
	}
}

// Routes returns the HTTP routes of the relay.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	mux.Handle("GET /v1/stream", h)
	mux.Handle("POST /v1/stream", h)
	return mux
}

// Wait blocks until every emission loop has finished.
func (h *Handler) Wait() { h.wg.Wait() }

// Live is the number of streams still producing.
func (h *Handler) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.loops)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, "client must accept text/event-stream", "not_acceptable")
		return
	}

	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user identity", "unauthenticated")
		return
	}

	lastID, err := parseLastEventID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid Last-Event-ID", "invalid_request")
		return
	}

	req, status, err := parseContentRequest(r)
	if err != nil {
		writeError(w, status, err.Error(), "invalid_request")
		return
	}

	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required to start a stream", "invalid_request")
			return
		}
		streamID = uuid.NewString()
	}

	logger := log.With().Str("stream_id", streamID).Str("user_id", userID).Logger()

	state, loop, err := h.resolve(streamID, userID, lastID, req)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrResyncRequired):
		logger.Info().Int64("last_event_id", lastID).Msg("replay unavailable, resync required")
		writeError(w, http.StatusGone, "stream history is no longer available", stream.ErrorTypeResyncRequired)
		return
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "stream not found", "not_found")
		return
	case errors.Is(err, registry.ErrCapacity):
		logger.Warn().Int("live", h.reg.Len()).Msg("stream registry full")
		writeError(w, http.StatusServiceUnavailable, "server at capacity", "capacity")
		return
	default:
		logger.Error().Err(err).Msg("failed to resolve stream")
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	if err := state.CheckReplay(lastID); err != nil {
		logger.Info().Err(err).Msg("replay unavailable, resync required")
		writeError(w, http.StatusGone, "stream history is no longer available", stream.ErrorTypeResyncRequired)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set(HeaderStreamID, streamID)
	w.WriteHeader(http.StatusOK)

	sink := emitter.NewHTTPSink(w, h.writeTimeout)
	if err := http.NewResponseController(w).Flush(); err != nil {
		logger.Debug().Err(err).Msg("flush response headers")
		return
	}

	start := time.Now()
	if loop != nil {
		err = loop.Attach(r.Context(), sink, lastID)
		if !errors.Is(err, emitter.ErrFinished) {
			logger.Debug().
				Err(err).
				Int64("last_event_id", lastID).
				Dur("duration", time.Since(start)).
				Msg("connection detached")
			return
		}
	}

	// the stream is closed; what remains is replaying its tail
	n, err := replayClosed(state, sink, lastID)
	logger.Debug().
		Err(err).
		Int64("last_event_id", lastID).
		Int("replayed", n).
		Msg("replayed closed stream")
}

// resolve finds the stream a request addresses, creating it and starting
// its emission loop when a content request names a stream that does not
// exist yet. A nil loop means the stream is closed and only replayable.
func (h *Handler) resolve(streamID, userID string, lastID int64, req generator.Request) (*registry.StreamState, *emitter.Loop, error) {
	state, err := h.reg.Get(streamID)
	if errors.Is(err, registry.ErrNotFound) {
		if lastID >= 0 {
			// the client has seen events of a stream this server never held
			return nil, nil, registry.ErrResyncRequired
		}
		if req.Message == "" {
			return nil, nil, err
		}
		return h.start(streamID, userID, req)
	}
	if err != nil {
		return nil, nil, err
	}
	if state.UserID() != userID {
		// other users' streams are indistinguishable from missing ones
		return nil, nil, registry.ErrNotFound
	}
	return state, h.loop(streamID), nil
}

func (h *Handler) start(streamID, userID string, req generator.Request) (*registry.StreamState, *emitter.Loop, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, created, err := h.reg.Create(streamID, userID)
	if errors.Is(err, registry.ErrStreamClosed) {
		// lost a race against a stream that already finished
		state, err = h.reg.Get(streamID)
		if err != nil {
			return nil, nil, err
		}
		if state.UserID() != userID {
			return nil, nil, registry.ErrNotFound
		}
		return state, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if state.UserID() != userID {
		return nil, nil, registry.ErrNotFound
	}
	if !created {
		return state, h.loops[streamID], nil
	}

	loop := emitter.New(state, h.gen.Open(h.ctx, req), h.emitOpts)
	h.loops[streamID] = loop
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		loop.Run(h.ctx)
	}()
	go func() {
		defer h.wg.Done()
		<-loop.Done()
		h.mu.Lock()
		delete(h.loops, streamID)
		h.mu.Unlock()
	}()

	log.Info().
		Str("stream_id", streamID).
		Str("user_id", userID).
		Str("model", req.Model).
		Msg("stream started")
	return state, loop, nil
}

func (h *Handler) loop(streamID string) *emitter.Loop {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loops[streamID]
}

func replayClosed(state *registry.StreamState, sink emitter.Sink, lastID int64) (int, error) {
	records, err := state.ReplayAfter(lastID)
	if err != nil {
		return 0, err
	}
	for i, rec := range records {
		if err := sink.WriteEvent(rec.Event()); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

// parseLastEventID reads the resume point from the Last-Event-ID header or
// the last_event_id query parameter. Absent means -1.
func parseLastEventID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderLastEventID))
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return -1, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, errors.New("invalid event id")
	}
	return id, nil
}

type contentError string

func (e contentError) Error() string { return string(e) }

func parseContentRequest(r *http.Request) (generator.Request, int, error) {
	req := generator.Request{Header: r.Header.Clone()}
	if r.Method != http.MethodPost {
		q := r.URL.Query()
		req.Message = q.Get("message")
		req.Model = q.Get("model")
		return req, 0, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return req, http.StatusBadRequest, contentError("failed to read request body")
	}
	if len(body) == 0 {
		return req, 0, nil
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return req, http.StatusUnsupportedMediaType, contentError("request body must be application/json")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, http.StatusBadRequest, contentError("malformed JSON request body")
	}
	return req, 0, nil
}

func writeError(w http.ResponseWriter, status int, msg, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(stream.ErrorPayload{Error: msg, ErrorType: errType})
}
