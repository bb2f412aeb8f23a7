// Package lake queries parquet table snapshots held in an object store by
// materializing them into a throwaway DuckDB database per query. Exact row
// counts come straight from the parquet footers, so the connector is
// exact-metadata-capable without executing anything.
package lake

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/sqlinfo"
	"github.com/hfmsio/querystream/internal/storage"
)

const nativeBatchSize = 2048

type Connector struct {
	store storage.ObjectStore
	// tables maps logical table names to parquet object keys.
	tables map[string]string
}

func New(store storage.ObjectStore, tables map[string]string) (*Connector, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("at least one lake table is required")
	}
	return &Connector{store: store, tables: tables}, nil
}

func (c *Connector) Name() string { return "lake" }

func (c *Connector) Ping(ctx context.Context) error {
	for table, key := range c.tables {
		if _, err := c.store.Stat(ctx, key); err != nil {
			return fmt.Errorf("stat snapshot for table %q: %w", table, err)
		}
	}
	return nil
}

func (c *Connector) Query(ctx context.Context, sqlText string, opts engine.QueryOptions) (engine.ChunkReader, error) {
	sqlText = sqlinfo.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return nil, fmt.Errorf("sql is required")
	}

	workDir, err := os.MkdirTemp("", "querystream-lake-")
	if err != nil {
		return nil, fmt.Errorf("create query temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(workDir) }

	var scannedBytes int64
	localPaths := map[string]string{}
	for table, key := range c.tables {
		localPath := filepath.Join(workDir, sanitizeFileComponent(table)+".parquet")
		written, err := c.download(ctx, key, localPath)
		if err != nil {
			cleanup()
			return nil, err
		}
		localPaths[table] = localPath
		scannedBytes += written
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for table, localPath := range localPaths {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`,
			quoteIdent(table), quoteString(localPath))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			_ = db.Close()
			cleanup()
			return nil, fmt.Errorf("create view for table %q: %w", table, err)
		}
	}

	// a bare uncapped scan returns exactly the snapshot's footer count, so
	// the stream can carry the total from the first chunk on
	totalRows := engine.TotalRowsUnknown
	if opts.MaxRows == 0 {
		if match := bareTableScanPattern.FindStringSubmatch(sqlinfo.Normalize(sqlText)); match != nil {
			if localPath, ok := localPaths[match[1]]; ok {
				if count, err := footerRowCount(localPath); err == nil {
					totalRows = count
				}
			}
		}
	}

	if opts.MaxRows > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, opts.MaxRows)
	}
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		_ = db.Close()
		cleanup()
		return nil, fmt.Errorf("execute query: %w", err)
	}
	columns, err := columnsOf(rows)
	if err != nil {
		_ = rows.Close()
		_ = db.Close()
		cleanup()
		return nil, err
	}
	return &reader{
		rows:         rows,
		columns:      columns,
		db:           db,
		cleanup:      cleanup,
		scannedBytes: scannedBytes,
		totalRows:    totalRows,
	}, nil
}

var bareTableScanPattern = regexp.MustCompile(`^select \* from ([a-z0-9._-]+)$`)

// ExactRowCount reads the row count out of the snapshot's parquet footer
// without scanning any data. Only bare single-table scans qualify.
func (c *Connector) ExactRowCount(ctx context.Context, sqlText string) (int64, error) {
	match := bareTableScanPattern.FindStringSubmatch(sqlinfo.Normalize(sqlText))
	if match == nil {
		return 0, fmt.Errorf("exact count requires a bare single-table scan")
	}
	file, err := c.openSnapshot(ctx, match[1])
	if err != nil {
		return 0, err
	}
	return file.NumRows(), nil
}

func (c *Connector) ListTables(ctx context.Context) ([]string, error) {
	tables := make([]string, 0, len(c.tables))
	for table := range c.tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables, nil
}

func (c *Connector) DescribeTable(ctx context.Context, table string) ([]engine.Column, error) {
	file, err := c.openSnapshot(ctx, table)
	if err != nil {
		return nil, err
	}
	fields := file.Schema().Fields()
	columns := make([]engine.Column, len(fields))
	for i, field := range fields {
		columns[i] = engine.Column{
			Name:     field.Name(),
			Type:     strings.ToUpper(field.Type().String()),
			Nullable: field.Optional(),
		}
	}
	return columns, nil
}

func (c *Connector) openSnapshot(ctx context.Context, table string) (*parquet.File, error) {
	key, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown lake table %q", table)
	}
	object, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %q: %w", key, err)
	}
	defer func() { _ = object.Close() }()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %q: %w", key, err)
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open snapshot %q: %w", key, err)
	}
	return file, nil
}

func footerRowCount(localPath string) (int64, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local parquet file %q: %w", localPath, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat local parquet file %q: %w", localPath, err)
	}
	parquetFile, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet footer %q: %w", localPath, err)
	}
	return parquetFile.NumRows(), nil
}

func (c *Connector) download(ctx context.Context, key, localPath string) (int64, error) {
	object, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = object.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	written, err := io.Copy(file, object)
	if err != nil {
		_ = file.Close()
		return 0, fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close local parquet file %q: %w", localPath, err)
	}
	return written, nil
}

type reader struct {
	rows         *sql.Rows
	columns      []engine.Column
	db           *sql.DB
	cleanup      func()
	scannedBytes int64
	totalRows    int64

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
	for len(batch) < nativeBatchSize && r.rows.Next() {
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

	if len(batch) < nativeBatchSize {
		if err := r.rows.Err(); err != nil {
			return engine.NativeChunk{}, fmt.Errorf("iterate rows: %w", err)
		}
		r.done = true
	}

	chunk := engine.NativeChunk{Rows: batch, TotalRows: r.totalRows}
	if !r.columnsSent {
		chunk.Columns = r.columns
		r.columnsSent = true
	}
	r.chunks++
	if r.done {
		chunk.Stats = &engine.QueryStats{
			TotalRows:  r.scanned,
			TotalBytes: r.scannedBytes,
			ChunkCount: r.chunks,
		}
	}
	return chunk, nil
}

func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rows.Close()
	_ = r.db.Close()
	r.cleanup()
	return err
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

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
