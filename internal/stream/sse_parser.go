package stream

import (
	"bytes"
	"strconv"
	"strings"
)

// Frame is one dispatched SSE frame before type-specific decoding.
type Frame struct {
	Index     int    // ordinal within this parser's input
	EventType string // event: field, or inferred from the JSON "type" field
	ID        int64
	HasID     bool
	Retry     int64 // milliseconds, -1 if absent
	Data      string
	RawBytes  int // byte length of this SSE frame
}

// Parser maintains state across chunks to handle partial SSE lines.
type Parser struct {
	buffer     []byte
	eventIndex int

	eventType string
	id        int64
	hasID     bool
	retry     int64
	data      []string
	hasData   bool
	rawBytes  int
}

func NewParser() *Parser {
	return &Parser{retry: -1}
}

// ParseChunk processes raw bytes from the stream and yields complete SSE frames.
// Handles partial lines that span multiple chunks.
func (p *Parser) ParseChunk(chunk []byte) []Frame {
	p.buffer = append(p.buffer, chunk...)
	var frames []Frame

	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx == -1 {
			break
		}

		line := string(p.buffer[:idx])
		p.buffer = p.buffer[idx+1:]
		p.rawBytes += len(line) + 1
		line = strings.TrimRight(line, "\r")

		if line == "" {
			// Empty line = dispatch
			if p.hasData {
				frames = append(frames, p.dispatch())
			}
			p.reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			p.eventType = strings.TrimSpace(value)
		case "data":
			p.data = append(p.data, value)
			p.hasData = true
		case "id":
			if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n >= 0 {
				p.id = n
				p.hasID = true
			}
		case "retry":
			if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n >= 0 {
				p.retry = n
			}
		}
	}

	return frames
}

func (p *Parser) dispatch() Frame {
	p.eventIndex++
	data := strings.Join(p.data, "\n")
	eventType := p.eventType
	if eventType == "" {
		eventType = inferEventType(data)
	}
	return Frame{
		Index:     p.eventIndex,
		EventType: eventType,
		ID:        p.id,
		HasID:     p.hasID,
		Retry:     p.retry,
		Data:      data,
		RawBytes:  p.rawBytes,
	}
}

func (p *Parser) reset() {
	p.eventType = ""
	p.id = 0
	p.hasID = false
	p.retry = -1
	p.data = p.data[:0]
	p.hasData = false
	p.rawBytes = 0
}

// splitField splits "field: value", stripping a single leading space from value.
func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, ""
	}
	value := line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return line[:idx], value
}

// inferEventType extracts the "type" field from JSON data without full parsing.
func inferEventType(data string) string {
	// Fast path: look for "type":"..." pattern
	idx := strings.Index(data, `"type"`)
	if idx == -1 {
		return "unknown"
	}

	rest := data[idx+6:]
	rest = strings.TrimLeft(rest, " \t:")
	rest = strings.TrimLeft(rest, " \t")

	if len(rest) > 0 && rest[0] == '"' {
		end := strings.IndexByte(rest[1:], '"')
		if end >= 0 {
			return rest[1 : end+1]
		}
	}
	return "unknown"
}
