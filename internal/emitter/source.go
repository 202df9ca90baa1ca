package emitter

import "context"

// Fragment is one piece of generated content with its accounting metadata.
type Fragment struct {
	Content string
	Tokens  int
	Cost    float64
}

// Source produces the fragments of one stream. Next blocks until a fragment
// is ready and returns io.EOF after the last one. Any other error is treated
// as an unrecoverable production failure.
type Source interface {
	Next(ctx context.Context) (Fragment, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context) (Fragment, error)

func (f SourceFunc) Next(ctx context.Context) (Fragment, error) {
	return f(ctx)
}
