// Package postgres exposes a PostgreSQL database as a streaming connector
// with plan-based row estimates read from EXPLAIN (FORMAT JSON).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hfmsio/querystream/internal/engine"
)

const nativeBatchSize = 2048

type Connector struct {
	db *sql.DB
}

func Open(dsn string) (*Connector, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Connector{db: db}, nil
}

// NewConnector wraps an existing database handle.
func NewConnector(db *sql.DB) *Connector {
	return &Connector{db: db}
}

func (c *Connector) Name() string { return "postgres" }

func (c *Connector) Close() error { return c.db.Close() }

func (c *Connector) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
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

type explainNode struct {
	Plan struct {
		PlanRows int64 `json:"Plan Rows"`
	} `json:"Plan"`
}

// EstimateRowCount reads the planner's cardinality estimate for the
// top-level plan node.
func (c *Connector) EstimateRowCount(ctx context.Context, sqlText string) (int64, error) {
	var payload string
	if err := c.db.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+sqlText).Scan(&payload); err != nil {
		return 0, fmt.Errorf("explain query: %w", err)
	}

	var nodes []explainNode
	if err := json.Unmarshal([]byte(payload), &nodes); err != nil {
		return 0, fmt.Errorf("decode explain output: %w", err)
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("no cardinality estimate in plan")
	}
	return nodes[0].Plan.PlanRows, nil
}

func (c *Connector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public'
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
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe table %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []engine.Column
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column of %q: %w", table, err)
		}
		columns = append(columns, engine.Column{Name: name, Type: dataType, Nullable: nullable == "YES"})
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
	done        bool
	closed      bool
}

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
		batch = append(batch, normalizeValues(values))
		r.scanned++
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
		chunk.Stats = &engine.QueryStats{TotalRows: r.scanned, ChunkCount: r.chunks}
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
