package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

var ErrMalformedFrame = errors.New("malformed event frame")

// Encode writes ev as a single SSE frame:
//
//	event: <type>
//	id: <id>
//	retry: <ms>
//	data: <json>
//	<blank line>
//
// The frame is written with a single Write call.
func Encode(w io.Writer, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("encode event %d: unknown type %q", ev.ID, ev.Type)
	}
	if bytes.ContainsAny(ev.Data, "\r\n") {
		return fmt.Errorf("encode event %d: payload contains a line break", ev.ID)
	}
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + 64)
	buf.WriteString("event: ")
	buf.WriteString(string(ev.Type))
	buf.WriteString("\nid: ")
	buf.WriteString(strconv.FormatInt(ev.ID, 10))
	buf.WriteString("\nretry: ")
	buf.WriteString(strconv.FormatInt(ev.Retry.Milliseconds(), 10))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write event %d: %w", ev.ID, err)
	}
	return nil
}

// Decode converts a parsed frame into a typed Event.
func Decode(f Frame) (Event, error) {
	t := Type(f.EventType)
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrMalformedFrame, f.EventType)
	}
	if !f.HasID {
		return Event{}, fmt.Errorf("%w: %s event without id", ErrMalformedFrame, t)
	}
	ev := Event{ID: f.ID, Type: t, Data: []byte(f.Data)}
	if f.Retry >= 0 {
		ev.Retry = time.Duration(f.Retry) * time.Millisecond
	}
	return ev, nil
}

// Reader decodes events from a byte stream, one at a time.
type Reader struct {
	r       *bufio.Reader
	parser  *Parser
	pending []Frame
	buf     []byte
	err     error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:      bufio.NewReaderSize(r, 32*1024),
		parser: NewParser(),
		buf:    make([]byte, 32*1024),
	}
}

// Next returns the next well-formed event. Frames that cannot be decoded are
// skipped. It returns io.EOF (or the underlying read error) once the stream
// is exhausted.
func (r *Reader) Next() (Event, error) {
	for {
		for len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			ev, err := Decode(f)
			if err != nil {
				continue
			}
			return ev, nil
		}

		if r.err != nil {
			return Event{}, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.parser.ParseChunk(r.buf[:n])...)
		}
		r.err = err
	}
}
