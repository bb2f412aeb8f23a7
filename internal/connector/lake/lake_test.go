package lake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/storage"
)

type event struct {
	ID    int64  `parquet:"id"`
	Value string `parquet:"value"`
}

func buildParquet(t *testing.T, rows []event) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[event](buf)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("write parquet rows: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close parquet writer: %v", err)
	}
	return buf.Bytes()
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Put(context.Context, string, io.Reader, int64, storage.PutOptions) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func newTestConnector(t *testing.T, rowCount int) *Connector {
	t.Helper()
	rows := make([]event, rowCount)
	for i := range rows {
		rows[i] = event{ID: int64(i), Value: "v"}
	}
	store := &memoryStore{objects: map[string][]byte{
		"snapshots/events/v000001.parquet": buildParquet(t, rows),
	}}
	conn, err := New(store, map[string]string{"events": "snapshots/events/v000001.parquet"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return conn
}

func TestQueryReadsSnapshotThroughObjectStore(t *testing.T) {
	conn := newTestConnector(t, 5)

	reader, err := conn.Query(context.Background(), "SELECT count(*) AS c FROM events;", engine.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	chunk, err := reader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(chunk.Rows) != 1 || chunk.Rows[0][0] != int64(5) {
		t.Fatalf("count row = %+v", chunk.Rows)
	}
	if chunk.Stats == nil || chunk.Stats.TotalBytes == 0 {
		t.Fatalf("stats = %+v", chunk.Stats)
	}
	if _, err := reader.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() after drain error = %v, want io.EOF", err)
	}
}

func TestQueryRespectsMaxRows(t *testing.T) {
	conn := newTestConnector(t, 10)

	reader, err := conn.Query(context.Background(), "SELECT * FROM events ORDER BY id", engine.QueryOptions{MaxRows: 4})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	chunk, err := reader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(chunk.Rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(chunk.Rows))
	}
	if chunk.TotalRows != engine.TotalRowsUnknown {
		t.Fatalf("TotalRows = %d, want unknown for a capped query", chunk.TotalRows)
	}
}

func TestQueryReportsFooterTotalForBareScan(t *testing.T) {
	conn := newTestConnector(t, 7)

	reader, err := conn.Query(context.Background(), "SELECT * FROM events;", engine.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	chunk, err := reader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if chunk.TotalRows != 7 {
		t.Fatalf("TotalRows = %d, want 7", chunk.TotalRows)
	}
	if len(chunk.Rows) != 7 {
		t.Fatalf("rows = %d, want 7", len(chunk.Rows))
	}
}

func TestQueryLeavesTotalUnknownForFilteredScan(t *testing.T) {
	conn := newTestConnector(t, 6)

	reader, err := conn.Query(context.Background(), "SELECT * FROM events WHERE id > 2", engine.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	chunk, err := reader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if chunk.TotalRows != engine.TotalRowsUnknown {
		t.Fatalf("TotalRows = %d, want unknown for a filtered scan", chunk.TotalRows)
	}
}

func TestExactRowCountFromParquetFooter(t *testing.T) {
	conn := newTestConnector(t, 42)

	count, err := conn.ExactRowCount(context.Background(), "SELECT * FROM events;")
	if err != nil {
		t.Fatalf("ExactRowCount() error = %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestExactRowCountRejectsComplexStatements(t *testing.T) {
	conn := newTestConnector(t, 3)

	if _, err := conn.ExactRowCount(context.Background(), "SELECT * FROM events WHERE id > 1"); err == nil {
		t.Fatal("ExactRowCount() should reject filtered scans")
	}
	if _, err := conn.ExactRowCount(context.Background(), "SELECT * FROM missing"); err == nil {
		t.Fatal("ExactRowCount() should reject unknown tables")
	}
}

func TestIntrospection(t *testing.T) {
	conn := newTestConnector(t, 1)

	tables, err := conn.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 1 || tables[0] != "events" {
		t.Fatalf("tables = %v", tables)
	}

	columns, err := conn.DescribeTable(context.Background(), "events")
	if err != nil {
		t.Fatalf("DescribeTable() error = %v", err)
	}
	if len(columns) != 2 || columns[0].Name != "id" || columns[1].Name != "value" {
		t.Fatalf("columns = %+v", columns)
	}
}

func TestCapabilityInterfaces(t *testing.T) {
	registry := engine.NewRegistry()
	if err := registry.Register(newTestConnector(t, 1)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg, err := registry.Get("lake")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reg.Caps.ExactMetadata || !reg.Caps.Introspection {
		t.Fatalf("capabilities = %+v", reg.Caps)
	}
	if reg.Caps.ServerPaging {
		t.Fatal("lake snapshots should not claim server paging")
	}
}

func TestParseTables(t *testing.T) {
	tables, err := ParseTables("events=1, users = v2")
	if err != nil {
		t.Fatalf("ParseTables() error = %v", err)
	}
	if len(tables) != 2 || tables["users"] != "snapshots/users/v000002.parquet" {
		t.Fatalf("tables = %v", tables)
	}
	if tables["events"] != "snapshots/events/v000001.parquet" {
		t.Fatalf("events key = %q", tables["events"])
	}

	if _, err := ParseTables("noequals"); err == nil {
		t.Fatal("ParseTables() should reject malformed pairs")
	}
	if _, err := ParseTables("events=latest"); err == nil {
		t.Fatal("ParseTables() should reject non-numeric versions")
	}
	if _, err := ParseTables("../escape=1"); err == nil {
		t.Fatal("ParseTables() should reject invalid table names")
	}
	if _, err := ParseTables(""); err == nil {
		t.Fatal("ParseTables() should reject an empty mapping")
	}
}
