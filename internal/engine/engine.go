package engine

import (
	"context"
)

// TotalRowsUnknown marks a stream whose connector cannot report a total.
const TotalRowsUnknown int64 = -1

type Column struct {
	Name     string
	Type     string
	Nullable bool
	Comment  string
}

type QueryStats struct {
	TotalRows       int64 `json:"total_rows"`
	TotalBytes      int64 `json:"total_bytes"`
	LargeRowCount   int64 `json:"large_row_count"`
	MaxRowSizeBytes int64 `json:"max_row_size_bytes"`
	ChunkCount      int   `json:"chunk_count"`
	AvgRowSizeBytes int64 `json:"avg_row_size_bytes"`
}

// NativeChunk is one batch of rows as produced by a connector, before the
// streaming executor re-buffers it into caller-sized chunks. Columns are
// populated on the first chunk a connector emits, Stats on the last.
type NativeChunk struct {
	Rows      [][]any
	Columns   []Column
	TotalRows int64
	Stats     *QueryStats
}

// ChunkReader pulls native chunks from an executing query. Next returns
// io.EOF once the result set is drained; Close is safe to call at any point
// and releases the underlying statement.
type ChunkReader interface {
	Next(ctx context.Context) (NativeChunk, error)
	Close() error
}

// Chunk is one windowed slice of a result set as delivered to callers.
// For non-empty chunks EndIndex == StartIndex + len(Rows) - 1. Exactly one
// chunk per stream carries Done=true and it is always the last one.
type Chunk struct {
	Rows       [][]any     `json:"rows"`
	StartIndex int         `json:"start_index"`
	EndIndex   int         `json:"end_index"`
	Done       bool        `json:"done"`
	Columns    []Column    `json:"columns,omitempty"`
	TotalRows  int64       `json:"total_rows"`
	Stats      *QueryStats `json:"stats,omitempty"`
}

type QueryOptions struct {
	// MaxRows caps the number of rows the connector materializes; 0 means
	// no cap.
	MaxRows int
}

type Connector interface {
	Name() string
	Query(ctx context.Context, sqlText string, opts QueryOptions) (ChunkReader, error)
	Ping(ctx context.Context) error
}

// Optional connector capabilities. They are inspected once at registration;
// callers dispatch on Registration.Caps instead of re-asserting per call.

// RowEstimator yields a fast cardinality estimate from the query plan.
type RowEstimator interface {
	EstimateRowCount(ctx context.Context, sqlText string) (int64, error)
}

// ExactCounter yields an exact result-set size from response metadata
// without materializing rows.
type ExactCounter interface {
	ExactRowCount(ctx context.Context, sqlText string) (int64, error)
}

// ServerPager reports whether appending LIMIT/OFFSET to a statement is safe
// and honored server-side by this backend.
type ServerPager interface {
	SupportsServerPaging() bool
}

type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type Introspector interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) ([]Column, error)
}
