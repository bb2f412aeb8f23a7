// Package duckdb exposes an embedded DuckDB database as a streaming
// connector with plan-based row estimates and schema introspection.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/hfmsio/querystream/internal/engine"
)

const nativeBatchSize = 2048

type Connector struct {
	db *sql.DB
}

// Open opens the database at path; an empty path opens an in-memory
// database.
func Open(path string) (*Connector, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Connector{db: db}, nil
}

func (c *Connector) Name() string { return "duckdb" }

func (c *Connector) Close() error { return c.db.Close() }

func (c *Connector) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping duckdb: %w", err)
	}
	return nil
}

func (c *Connector) Query(ctx context.Context, sqlText string, opts engine.QueryOptions) (engine.ChunkReader, error) {
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	columns, err := columnsOf(rows)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &reader{rows: rows, columns: columns, maxRows: opts.MaxRows}, nil
}

func (c *Connector) SupportsServerPaging() bool { return true }

var planRowsPattern = regexp.MustCompile(`~(\d+) Rows`)

// EstimateRowCount reads the optimizer's cardinality estimate out of the
// textual EXPLAIN plan.
func (c *Connector) EstimateRowCount(ctx context.Context, sqlText string) (int64, error) {
	rows, err := c.db.QueryContext(ctx, "EXPLAIN "+sqlText)
	if err != nil {
		return 0, fmt.Errorf("explain query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plan strings.Builder
	for rows.Next() {
		var key, value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return 0, fmt.Errorf("scan plan row: %w", err)
		}
		plan.WriteString(value.String)
		plan.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate plan rows: %w", err)
	}
	return parsePlanEstimate(plan.String())
}

// parsePlanEstimate finds the top-most operator cardinality in a textual
// DuckDB plan.
func parsePlanEstimate(plan string) (int64, error) {
	match := planRowsPattern.FindStringSubmatch(plan)
	if match == nil {
		return 0, fmt.Errorf("no cardinality estimate in plan")
	}
	estimate, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cardinality estimate: %w", err)
	}
	return estimate, nil
}

func (c *Connector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'main'
ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (c *Connector) DescribeTable(ctx context.Context, table string) ([]engine.Column, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("describe table %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []engine.Column
	for rows.Next() {
		var (
			cid          int
			name, ctype  string
			notNull      bool
			defaultValue sql.NullString
			primaryKey   bool
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return nil, fmt.Errorf("scan column of %q: %w", table, err)
		}
		columns = append(columns, engine.Column{Name: name, Type: ctype, Nullable: !notNull})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %q: %w", table, err)
	}
	return columns, nil
}

type reader struct {
	rows    *sql.Rows
	columns []engine.Column
	maxRows int

	columnsSent bool
	scanned     int64
	chunks      int
	totalBytes  int64
	maxRowBytes int64
	largeRows   int64
	done        bool
	closed      bool
}

// largeRowBytes is the row size above which a row counts toward
// QueryStats.LargeRowCount.
const largeRowBytes = 10 * 1024

func (r *reader) Next(ctx context.Context) (engine.NativeChunk, error) {
	if r.done {
		return engine.NativeChunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return engine.NativeChunk{}, err
	}

	batch := make([][]any, 0, nativeBatchSize)
	for len(batch) < nativeBatchSize && !r.capped() && r.rows.Next() {
		values := make([]any, len(r.columns))
		targets := make([]any, len(r.columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := r.rows.Scan(targets...); err != nil {
			return engine.NativeChunk{}, fmt.Errorf("scan row: %w", err)
		}
		row := normalizeValues(values)
		batch = append(batch, row)
		r.scanned++
		r.observeRow(row)
	}

	if len(batch) < nativeBatchSize || r.capped() {
		if err := r.rows.Err(); err != nil {
			return engine.NativeChunk{}, fmt.Errorf("iterate rows: %w", err)
		}
		r.done = true
	}

	chunk := engine.NativeChunk{Rows: batch, TotalRows: engine.TotalRowsUnknown}
	if !r.columnsSent {
		chunk.Columns = r.columns
		r.columnsSent = true
	}
	r.chunks++
	if r.done {
		chunk.Stats = r.stats()
	}
	return chunk, nil
}

func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rows.Close()
}

func (r *reader) capped() bool {
	return r.maxRows > 0 && r.scanned >= int64(r.maxRows)
}

func (r *reader) observeRow(row []any) {
	size := approxRowBytes(row)
	r.totalBytes += size
	if size > r.maxRowBytes {
		r.maxRowBytes = size
	}
	if size > largeRowBytes {
		r.largeRows++
	}
}

func (r *reader) stats() *engine.QueryStats {
	stats := &engine.QueryStats{
		TotalRows:       r.scanned,
		TotalBytes:      r.totalBytes,
		LargeRowCount:   r.largeRows,
		MaxRowSizeBytes: r.maxRowBytes,
		ChunkCount:      r.chunks,
	}
	if r.scanned > 0 {
		stats.AvgRowSizeBytes = r.totalBytes / r.scanned
	}
	return stats
}

func columnsOf(rows *sql.Rows) ([]engine.Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	columns := make([]engine.Column, len(types))
	for i, columnType := range types {
		nullable, _ := columnType.Nullable()
		columns[i] = engine.Column{
			Name:     columnType.Name(),
			Type:     columnType.DatabaseTypeName(),
			Nullable: nullable,
		}
	}
	return columns, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func approxRowBytes(row []any) int64 {
	var size int64
	for _, value := range row {
		switch typed := value.(type) {
		case nil:
		case string:
			size += int64(len(typed))
		case []byte:
			size += int64(len(typed))
		default:
			size += 8
		}
	}
	return size
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
