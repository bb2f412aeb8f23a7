package router

import (
	"context"
	"errors"
	"io"

	"github.com/hfmsio/querystream/internal/engine"
)

// Handle is the caller-facing side of a streamed query. It delegates to the
// underlying stream and clears the router's registry entry exactly once, on
// whichever of completion, failure, cancellation, or Close happens first.
type Handle struct {
	ID string

	inner interface {
		Next(ctx context.Context) (engine.Chunk, error)
		Close() error
	}
	// ctx is the query-scoped context; Cancel(id) and CancelAll fire it.
	ctx  context.Context
	h    *handle
	done bool
}

// Next yields the next chunk, or io.EOF after the terminal chunk. Once the
// query is cancelled no further chunks are ever yielded, regardless of the
// per-call context.
func (s *Handle) Next(ctx context.Context) (engine.Chunk, error) {
	if s.done {
		return engine.Chunk{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		s.h.finish("cancelled")
		_ = s.inner.Close()
		return engine.Chunk{}, err
	}
	chunk, err := s.inner.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return engine.Chunk{}, err
		}
		s.done = true
		s.h.finish(failStatus(err))
		return engine.Chunk{}, err
	}
	if chunk.Done {
		s.done = true
		s.h.finish("completed")
	}
	return chunk, nil
}

// Close abandons the stream. Closing an already finished handle is a no-op.
func (s *Handle) Close() error {
	s.h.finish("cancelled")
	return s.inner.Close()
}
