package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/namikmesic/claude-relay/internal/emitter"
	"github.com/namikmesic/claude-relay/internal/stream"
)

var errUpstreamTruncated = errors.New("upstream stream ended before message_stop")

type AnthropicRequest struct {
	Model     string       `json:"model"`
	Messages  []ReqMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
}

type ReqMessage struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// Anthropic produces fragments from the Messages API streaming endpoint.
type Anthropic struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	maxTokens    int
	costPerToken float64
}

type AnthropicConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	MaxTokens    int
	CostPerToken float64
	// Client defaults to a client without timeout, since streaming
	// responses can be long-lived.
	Client *http.Client
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 0,
			// Don't follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{
		client:       client,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
		costPerToken: cfg.CostPerToken,
	}
}

func (a *Anthropic) Open(_ context.Context, req Request) emitter.Source {
	return &anthropicSource{a: a, req: req}
}

type anthropicSource struct {
	a   *Anthropic
	req Request

	body    io.ReadCloser
	parser  *stream.Parser
	pending []stream.Frame
	buf     []byte

	inputTokens  int
	outputTokens int
	billed       int
	finished     bool
}

func (s *anthropicSource) Next(ctx context.Context) (emitter.Fragment, error) {
	if s.body == nil {
		if err := s.open(ctx); err != nil {
			return emitter.Fragment{}, err
		}
	}

	for {
		for len(s.pending) > 0 {
			f := s.pending[0]
			s.pending = s.pending[1:]
			frag, ok, err := s.handle(f)
			if err != nil {
				s.close()
				return emitter.Fragment{}, err
			}
			if ok {
				return frag, nil
			}
		}
		if s.finished {
			s.close()
			return emitter.Fragment{}, io.EOF
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.parser.ParseChunk(s.buf[:n])...)
			continue
		}
		if err != nil {
			s.close()
			if err == io.EOF {
				return emitter.Fragment{}, errUpstreamTruncated
			}
			return emitter.Fragment{}, fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

func (s *anthropicSource) open(ctx context.Context) error {
	model := s.req.Model
	if model == "" {
		model = s.a.defaultModel
	}
	body, err := json.Marshal(AnthropicRequest{
		Model:     model,
		Messages:  []ReqMessage{{Role: "user", Content: s.req.Message}},
		MaxTokens: s.a.maxTokens,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("marshal upstream request: %w", err)
	}

	targetURL := buildTargetURL(s.a.baseURL, messagesPath)
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create upstream request: %w", err)
	}
	upstreamReq.Header = prepareUpstreamHeaders(s.req.Header, s.a.apiKey)

	resp, err := s.a.client.Do(upstreamReq)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	log.Debug().Str("url", targetURL).Str("model", model).Msg("upstream stream opened")
	s.body = resp.Body
	s.parser = stream.NewParser()
	s.buf = make([]byte, 32*1024)
	return nil
}

// handle turns one upstream frame into at most one fragment.
func (s *anthropicSource) handle(f stream.Frame) (emitter.Fragment, bool, error) {
	switch f.EventType {
	case "message_start":
		var msg stream.MessageStart
		if err := json.Unmarshal([]byte(f.Data), &msg); err == nil {
			s.inputTokens = msg.Message.Usage.InputTokens
			s.outputTokens = msg.Message.Usage.OutputTokens
		}
	case "content_block_delta":
		var msg stream.ContentBlockDelta
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			return emitter.Fragment{}, false, fmt.Errorf("decode content_block_delta: %w", err)
		}
		if msg.Delta.Type == "text_delta" && msg.Delta.Text != "" {
			return emitter.Fragment{Content: msg.Delta.Text}, true, nil
		}
	case "message_delta":
		var msg stream.MessageDelta
		if err := json.Unmarshal([]byte(f.Data), &msg); err == nil && msg.Usage.OutputTokens > 0 {
			s.outputTokens = msg.Usage.OutputTokens
		}
	case "message_stop":
		s.finished = true
		// usage is only final at the end of the message, bill it as one
		// content-free fragment
		if tokens := s.inputTokens + s.outputTokens - s.billed; tokens > 0 {
			s.billed += tokens
			return emitter.Fragment{Tokens: tokens, Cost: float64(tokens) * s.a.costPerToken}, true, nil
		}
	case "error":
		var msg stream.UpstreamError
		if err := json.Unmarshal([]byte(f.Data), &msg); err == nil && msg.Error.Type != "" {
			return emitter.Fragment{}, false, fmt.Errorf("upstream error %s: %s", msg.Error.Type, msg.Error.Message)
		}
		return emitter.Fragment{}, false, fmt.Errorf("upstream error: %s", f.Data)
	}
	return emitter.Fragment{}, false, nil
}

func (s *anthropicSource) close() {
	if s.body != nil {
		s.body.Close()
	}
}
