// Package generator provides content sources for the emission loop.
package generator

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/namikmesic/claude-relay/internal/emitter"
)

// Request is the opaque content request carried by a stream.
type Request struct {
	Message string `json:"message"`
	Model   string `json:"model"`
	// Header holds the original client headers; generators pick what they
	// are allowed to forward.
	Header http.Header `json:"-"`
}

// Generator starts content production for one stream. Open must not block
// on the upstream; connection failures surface from the Source's Next.
type Generator interface {
	Open(ctx context.Context, req Request) emitter.Source
}

// Echo streams the words of the request message back, one fragment per word.
type Echo struct {
	Delay        time.Duration
	CostPerToken float64
}

func (e Echo) Open(_ context.Context, req Request) emitter.Source {
	words := strings.Fields(req.Message)
	i := 0
	return emitter.SourceFunc(func(ctx context.Context) (emitter.Fragment, error) {
		if i >= len(words) {
			return emitter.Fragment{}, io.EOF
		}
		if e.Delay > 0 {
			t := time.NewTimer(e.Delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return emitter.Fragment{}, ctx.Err()
			case <-t.C:
			}
		}
		w := words[i]
		if i > 0 {
			w = " " + w
		}
		i++
		return emitter.Fragment{Content: w, Tokens: 1, Cost: e.CostPerToken}, nil
	})
}
