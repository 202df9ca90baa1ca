package stream

// Upstream Anthropic Messages API SSE payloads consumed by the generator.

// Anthropic SSE message_start payload (for usage extraction).
type MessageStart struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type string `json:"type"` // "text_delta" | "input_json_delta" | "thinking_delta"
		Text string `json:"text"`
	} `json:"delta"`
}

// Anthropic SSE message_delta payload (final output token count and stop reason).
type MessageDelta struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Anthropic SSE error payload, sent mid-stream on overload and similar.
type UpstreamError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
