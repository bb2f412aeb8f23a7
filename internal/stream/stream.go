// Package stream re-buffers a connector's native result chunks into
// caller-sized chunks, delivered lazily through a pull interface. A stream
// is finite and non-restartable.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hfmsio/querystream/internal/chunkcache"
	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/observability"
	"github.com/hfmsio/querystream/internal/sqlinfo"
)

type Options struct {
	// ChunkSize is the number of rows per yielded chunk.
	ChunkSize int
	// Paginate requests a server-side LIMIT/OFFSET rewrite when the backend
	// supports it and the statement carries no LIMIT of its own.
	Paginate bool
	Limit    int
	Offset   int
	// QueryHash keys opportunistic chunk cache writes; empty disables them.
	QueryHash string
	// TotalRows is a pre-resolved row count carried on every chunk when the
	// connector does not report one. engine.TotalRowsUnknown when absent.
	TotalRows int64
}

// Stream yields the chunks of one executing query. Next returns io.EOF after
// the terminal chunk has been delivered.
type Stream struct {
	reader engine.ChunkReader
	opts   Options
	cache  *chunkcache.Store
	logger *slog.Logger

	buffer      [][]any
	columns     []engine.Column
	columnsSent bool
	totalRows   int64
	stats       *engine.QueryStats
	nextIndex   int
	chunkIndex  int
	drained     bool
	finished    bool
	closed      bool
}

// Open starts executing sqlText against the registered connector and returns
// the stream of its result. The statement is rewritten with LIMIT/OFFSET only
// when pagination is requested, the connector pages server-side, the
// statement is SELECT-like and it carries no LIMIT of its own.
func Open(ctx context.Context, reg engine.Registration, sqlText string, opts Options, cache *chunkcache.Store, logger *slog.Logger) (*Stream, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	if opts.TotalRows == 0 {
		opts.TotalRows = engine.TotalRowsUnknown
	}

	statement := sqlText
	if opts.Paginate && reg.Caps.ServerPaging && opts.Limit > 0 &&
		sqlinfo.Classify(sqlText) == sqlinfo.KindSelect && !sqlinfo.ContainsLimit(sqlText) {
		statement = fmt.Sprintf("%s LIMIT %d", sqlinfo.StripTrailingSemicolons(sqlText), opts.Limit)
		if opts.Offset > 0 {
			statement = fmt.Sprintf("%s OFFSET %d", statement, opts.Offset)
		}
	}

	reader, err := reg.Connector.Query(ctx, statement, engine.QueryOptions{MaxRows: opts.Limit})
	if err != nil {
		if engine.IsCancellation(err) {
			return nil, err
		}
		return nil, engine.WrapExecFailure(err)
	}
	return &Stream{
		reader:    reader,
		opts:      opts,
		cache:     cache,
		logger:    logger,
		totalRows: opts.TotalRows,
	}, nil
}

// Next returns the next chunk. Cancellation is checked before every pull
// from the connector; once it fires no further rows are buffered, cached,
// or yielded.
func (s *Stream) Next(ctx context.Context) (engine.Chunk, error) {
	if s.finished {
		return engine.Chunk{}, io.EOF
	}

	// pull past chunkSize so the terminal chunk is recognized without an
	// empty trailing yield on exact multiples
	for !s.drained && len(s.buffer) <= s.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			s.abort()
			return engine.Chunk{}, err
		}
		native, err := s.reader.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.drained = true
				break
			}
			s.abort()
			if engine.IsCancellation(err) {
				return engine.Chunk{}, err
			}
			return engine.Chunk{}, engine.WrapExecFailure(err)
		}
		s.absorb(native)
	}

	return s.emit(ctx), nil
}

// Collect drains the remaining stream into a single terminal chunk, used for
// full in-memory delivery.
func (s *Stream) Collect(ctx context.Context) (engine.Chunk, error) {
	var combined engine.Chunk
	first := true
	for {
		chunk, err := s.Next(ctx)
		if err != nil {
			return engine.Chunk{}, err
		}
		if first {
			combined = chunk
			first = false
		} else {
			combined.Rows = append(combined.Rows, chunk.Rows...)
			combined.EndIndex = chunk.EndIndex
			combined.Done = chunk.Done
			combined.Stats = chunk.Stats
		}
		if chunk.Done {
			return combined, nil
		}
	}
}

func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}

func (s *Stream) absorb(native engine.NativeChunk) {
	if s.columns == nil {
		if len(native.Columns) > 0 {
			s.columns = native.Columns
		} else if len(native.Rows) > 0 {
			s.columns = inferColumns(native.Rows[0])
		}
	}
	if s.totalRows == engine.TotalRowsUnknown && native.TotalRows > 0 {
		s.totalRows = native.TotalRows
	}
	if native.Stats != nil {
		s.stats = native.Stats
	}
	s.buffer = append(s.buffer, native.Rows...)
}

func (s *Stream) emit(ctx context.Context) engine.Chunk {
	size := s.opts.ChunkSize
	done := false
	if s.drained && len(s.buffer) <= size {
		size = len(s.buffer)
		done = true
	}
	rows := s.buffer[:size]
	s.buffer = s.buffer[size:]

	chunk := engine.Chunk{
		Rows:       rows,
		StartIndex: s.nextIndex,
		EndIndex:   s.nextIndex + len(rows) - 1,
		Done:       done,
		TotalRows:  s.totalRows,
	}
	if !s.columnsSent {
		chunk.Columns = s.columns
		s.columnsSent = true
	}
	if done {
		chunk.Stats = s.stats
		s.finished = true
		_ = s.Close()
	}

	s.persist(ctx, rows)
	s.nextIndex += len(rows)
	s.chunkIndex++
	observability.IncrementChunksYielded()
	return chunk
}

// persist writes the chunk to the result cache. Cache failure is non-fatal:
// the stream proceeds as if caching were disabled.
func (s *Stream) persist(ctx context.Context, rows [][]any) {
	if s.cache == nil || s.opts.QueryHash == "" {
		return
	}
	if err := s.cache.Put(ctx, s.opts.QueryHash, s.chunkIndex, rows); err != nil {
		observability.ObserveChunkCacheOp("put", "error")
		if s.logger != nil {
			s.logger.WarnContext(ctx, "chunk cache write failed",
				slog.String("query_hash", s.opts.QueryHash),
				slog.Int("chunk_index", s.chunkIndex),
				slog.Any("error", err),
			)
		}
		return
	}
	observability.ObserveChunkCacheOp("put", "ok")
}

func (s *Stream) abort() {
	s.finished = true
	_ = s.Close()
}

func inferColumns(row []any) []engine.Column {
	columns := make([]engine.Column, len(row))
	for i, value := range row {
		columns[i] = engine.Column{
			Name:     fmt.Sprintf("col%d", i),
			Type:     inferredType(value),
			Nullable: true,
		}
	}
	return columns
}

func inferredType(value any) string {
	switch value.(type) {
	case nil:
		return "UNKNOWN"
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case string:
		return "VARCHAR"
	case []byte:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}
