package generator

import "net/http"

const anthropicVersion = "2023-06-01"

// Client headers that may be passed through to the upstream.
var passthroughHeaders = []string{
	"Anthropic-Beta",
	"User-Agent",
}

func copyHeaders(dst, src http.Header, keys []string) {
	for _, k := range keys {
		for _, v := range src.Values(k) {
			dst.Add(k, v)
		}
	}
}

func prepareUpstreamHeaders(original http.Header, apiKey string) http.Header {
	h := make(http.Header)
	if original != nil {
		copyHeaders(h, original, passthroughHeaders)
	}

	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("Anthropic-Version", anthropicVersion)
	if apiKey != "" {
		h.Set("X-Api-Key", apiKey)
	}

	// Uncompressed responses so SSE frames can be parsed as they arrive
	h.Set("Accept-Encoding", "identity")

	return h
}
