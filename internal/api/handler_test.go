package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/hfmsio/querystream/internal/auth"
	"github.com/hfmsio/querystream/internal/config"
	"github.com/hfmsio/querystream/internal/dialect"
	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/router"
	"github.com/hfmsio/querystream/internal/rowcount"
)

type sliceReader struct {
	batches [][][]any
}

func (r *sliceReader) Next(ctx context.Context) (engine.NativeChunk, error) {
	if err := ctx.Err(); err != nil {
		return engine.NativeChunk{}, err
	}
	if len(r.batches) == 0 {
		return engine.NativeChunk{}, io.EOF
	}
	batch := r.batches[0]
	r.batches = r.batches[1:]
	return engine.NativeChunk{Rows: batch}, nil
}

func (r *sliceReader) Close() error { return nil }

type fakeConnector struct {
	name      string
	rows      [][]any
	batchSize int
}

func (c *fakeConnector) Name() string { return c.name }

func (c *fakeConnector) Query(ctx context.Context, sqlText string, opts engine.QueryOptions) (engine.ChunkReader, error) {
	size := c.batchSize
	if size <= 0 {
		size = len(c.rows)
	}
	var batches [][][]any
	for start := 0; start < len(c.rows); start += size {
		end := start + size
		if end > len(c.rows) {
			end = len(c.rows)
		}
		batches = append(batches, c.rows[start:end])
	}
	return &sliceReader{batches: batches}, nil
}

func (c *fakeConnector) Ping(ctx context.Context) error { return nil }

type planConnector struct {
	fakeConnector
	estimate int64
}

func (c *planConnector) EstimateRowCount(ctx context.Context, sqlText string) (int64, error) {
	return c.estimate, nil
}

func makeRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("row-%d", i)}
	}
	return rows
}

func testConfig() config.Config {
	return config.Config{
		Profile: config.ProfileTest,
		Service: config.ServiceConfig{Name: "querystream-api"},
		Engine: config.EngineConfig{
			InMemoryRowCutoff: 100,
			LargeLimitCutoff:  10000,
			DefaultChunkSize:  100,
			CountCacheTTL:     2 * time.Minute,
			EstimationTimeout: time.Second,
			AutoRoute:         config.AutoRouteOff,
		},
	}
}

func newTestHandler(t *testing.T, cfg config.Config, detector *dialect.Registry, conns ...engine.Connector) (http.Handler, Dependencies) {
	t.Helper()
	registry := engine.NewRegistry()
	for _, conn := range conns {
		if err := registry.Register(conn); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	estimator := rowcount.New(cfg.Engine.CountCacheTTL, cfg.Engine.EstimationTimeout, nil)
	deps := Dependencies{
		Engine:   router.New(registry, detector, estimator, nil, cfg.Engine, nil),
		Registry: registry,
	}
	return NewHandler(cfg, deps), deps
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, testConfig(), nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["service"] != "querystream-api" {
		t.Fatalf("service = %v", body["service"])
	}
}

func TestReadyReportsFailingDependency(t *testing.T) {
	registry := engine.NewRegistry()
	estimator := rowcount.New(time.Minute, time.Second, nil)
	cfg := testConfig()
	deps := Dependencies{
		Engine:   router.New(registry, nil, estimator, nil, cfg.Engine, nil),
		Registry: registry,
		Readiness: func(ctx context.Context) error {
			return fmt.Errorf("duckdb unreachable")
		},
	}
	handler := NewHandler(cfg, deps)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error_code"] != "NOT_READY" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestQueryMaterializedResult(t *testing.T) {
	conn := &planConnector{
		fakeConnector: fakeConnector{name: "duckdb", rows: makeRows(10)},
		estimate:      50,
	}
	handler, _ := newTestHandler(t, testConfig(), nil, conn)

	rr := postJSON(t, handler, "/v1/query", map[string]any{
		"sql":       "SELECT * FROM t LIMIT 10",
		"connector": "duckdb",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	var body struct {
		QueryID   string `json:"query_id"`
		Streaming bool   `json:"streaming"`
		Count     struct {
			Rows      int64 `json:"rows"`
			Estimated bool  `json:"estimated"`
		} `json:"count"`
		Chunk *engine.Chunk `json:"chunk"`
	}
	decodeBody(t, rr, &body)
	if body.QueryID == "" {
		t.Fatal("expected a query id")
	}
	if body.Streaming {
		t.Fatal("bounded result should not stream")
	}
	if body.Chunk == nil || len(body.Chunk.Rows) != 10 || !body.Chunk.Done {
		t.Fatalf("chunk = %+v", body.Chunk)
	}
	if body.Count.Rows != 10 || body.Count.Estimated {
		t.Fatalf("count = %+v", body.Count)
	}
}

func TestQueryStreamsNDJSON(t *testing.T) {
	conn := &planConnector{
		fakeConnector: fakeConnector{name: "duckdb", rows: makeRows(250), batchSize: 64},
		estimate:      250,
	}
	handler, deps := newTestHandler(t, testConfig(), nil, conn)

	rr := postJSON(t, handler, "/v1/query", map[string]any{
		"sql":       "SELECT * FROM t",
		"connector": "duckdb",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q", got)
	}
	if rr.Header().Get("X-Query-ID") == "" {
		t.Fatal("expected X-Query-ID header")
	}

	scanner := bufio.NewScanner(bytes.NewReader(rr.Body.Bytes()))
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want meta plus 3 chunks", len(lines))
	}

	var meta struct {
		Streaming bool `json:"streaming"`
		Count     struct {
			Rows int64 `json:"rows"`
		} `json:"count"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
		t.Fatalf("decode meta line: %v", err)
	}
	if !meta.Streaming || meta.Count.Rows != 250 {
		t.Fatalf("meta = %+v", meta)
	}

	total := 0
	for i, line := range lines[1:] {
		var chunk engine.Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			t.Fatalf("decode chunk line %d: %v", i, err)
		}
		if chunk.StartIndex != total {
			t.Fatalf("chunk %d StartIndex = %d, want %d", i, chunk.StartIndex, total)
		}
		total += len(chunk.Rows)
		if chunk.Done != (i == 2) {
			t.Fatalf("chunk %d Done = %v", i, chunk.Done)
		}
	}
	if total != 250 {
		t.Fatalf("streamed rows = %d, want 250", total)
	}
	if ids := deps.Engine.ActiveIDs(); len(ids) != 0 {
		t.Fatalf("active queries after drain = %v", ids)
	}
}

func TestQueryValidation(t *testing.T) {
	handler, _ := newTestHandler(t, testConfig(), nil, &fakeConnector{name: "duckdb"})

	rr := postJSON(t, handler, "/v1/query", map[string]any{"connector": "duckdb"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error_code"] != "SQL_REQUIRED" {
		t.Fatalf("error_code = %v", body["error_code"])
	}

	rr = postJSON(t, handler, "/v1/query", map[string]any{"sql": "SELECT 1"})
	decodeBody(t, rr, &body)
	if body["error_code"] != "CONNECTOR_REQUIRED" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestQueryUnknownConnector(t *testing.T) {
	handler, _ := newTestHandler(t, testConfig(), nil, &fakeConnector{name: "duckdb"})

	rr := postJSON(t, handler, "/v1/query", map[string]any{
		"sql":       "SELECT 1",
		"connector": "oracle",
	})

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error_code"] != "CONNECTOR_NOT_FOUND" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestQueryDialectMismatchSuggestion(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.AutoRoute = config.AutoRouteSuggest
	detector, err := dialect.NewRegistry(
		dialect.Plugin{Engine: "postgres", Patterns: []dialect.Pattern{
			{Matcher: regexp.MustCompile(`(?i)::jsonb`), Signal: "jsonb cast", Weight: 10},
		}},
		dialect.Plugin{Engine: "duckdb", Patterns: []dialect.Pattern{
			{Matcher: regexp.MustCompile(`(?i)read_parquet`), Signal: "read_parquet", Weight: 10},
		}},
	)
	if err != nil {
		t.Fatalf("dialect.NewRegistry() error = %v", err)
	}
	handler, _ := newTestHandler(t, cfg, detector,
		&fakeConnector{name: "duckdb"}, &fakeConnector{name: "postgres"})

	rr := postJSON(t, handler, "/v1/query", map[string]any{
		"sql":       "SELECT payload::jsonb FROM events",
		"connector": "duckdb",
	})

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		ErrorCode string `json:"error_code"`
		Context   struct {
			Requested string `json:"requested"`
			Suggested string `json:"suggested"`
		} `json:"context"`
	}
	decodeBody(t, rr, &body)
	if body.ErrorCode != "DIALECT_MISMATCH" {
		t.Fatalf("error_code = %v", body.ErrorCode)
	}
	if body.Context.Requested != "duckdb" || body.Context.Suggested != "postgres" {
		t.Fatalf("context = %+v", body.Context)
	}
}

func TestDetectEndpoint(t *testing.T) {
	detector, err := dialect.NewRegistry(dialect.Plugin{Engine: "duckdb", Patterns: []dialect.Pattern{
		{Matcher: regexp.MustCompile(`(?i)read_parquet`), Signal: "read_parquet", Weight: 10},
	}})
	if err != nil {
		t.Fatalf("dialect.NewRegistry() error = %v", err)
	}
	handler, _ := newTestHandler(t, testConfig(), detector, &fakeConnector{name: "duckdb"})

	rr := postJSON(t, handler, "/v1/query/detect", map[string]any{
		"sql":       "SELECT * FROM read_parquet('f.parquet')",
		"connector": "duckdb",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var detection dialect.Detection
	decodeBody(t, rr, &detection)
	if detection.Engine != "duckdb" || detection.Confidence != dialect.ConfidenceMedium {
		t.Fatalf("detection = %+v", detection)
	}
}

func TestCountEndpoint(t *testing.T) {
	conn := &planConnector{
		fakeConnector: fakeConnector{name: "duckdb"},
		estimate:      4821,
	}
	handler, _ := newTestHandler(t, testConfig(), nil, conn)

	rr := postJSON(t, handler, "/v1/query/count", map[string]any{
		"sql":       "SELECT * FROM big",
		"connector": "duckdb",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var count rowcount.Count
	decodeBody(t, rr, &count)
	if count.Rows != 4821 || !count.Estimated {
		t.Fatalf("count = %+v", count)
	}
}

func TestPageEndpoint(t *testing.T) {
	conn := &fakeConnector{name: "duckdb", rows: makeRows(30)}
	handler, _ := newTestHandler(t, testConfig(), nil, conn)

	rr := postJSON(t, handler, "/v1/query/page", map[string]any{
		"sql":       "SELECT * FROM t",
		"connector": "duckdb",
		"offset":    0,
		"page_size": 5,
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var chunk engine.Chunk
	decodeBody(t, rr, &chunk)
	if len(chunk.Rows) != 5 || chunk.StartIndex != 0 || chunk.EndIndex != 4 {
		t.Fatalf("chunk = %+v", chunk)
	}

	rr = postJSON(t, handler, "/v1/query/page", map[string]any{
		"sql":       "SELECT * FROM t",
		"connector": "duckdb",
		"page_size": 0,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCancelEndpoints(t *testing.T) {
	handler, _ := newTestHandler(t, testConfig(), nil, &fakeConnector{name: "duckdb"})

	req := httptest.NewRequest(http.MethodDelete, "/v1/queries/nope", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error_code"] != "QUERY_NOT_FOUND" {
		t.Fatalf("error_code = %v", body["error_code"])
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/queries", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	decodeBody(t, rr, &body)
	if body["cancelled"] != float64(0) {
		t.Fatalf("cancelled = %v", body["cancelled"])
	}
}

func TestListConnectors(t *testing.T) {
	handler, _ := newTestHandler(t, testConfig(), nil,
		&fakeConnector{name: "duckdb"}, &fakeConnector{name: "postgres"})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/connectors", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Connectors []string `json:"connectors"`
	}
	decodeBody(t, rr, &body)
	if len(body.Connectors) != 2 {
		t.Fatalf("connectors = %v", body.Connectors)
	}
}

func TestAuthProtectsQuerySurface(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true

	validator, err := auth.NewStaticAPIKeyValidator("k1:analyst:query")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	registry := engine.NewRegistry()
	if err := registry.Register(&fakeConnector{name: "duckdb"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	estimator := rowcount.New(time.Minute, time.Second, nil)
	handler := NewHandler(cfg, Dependencies{
		Engine:         router.New(registry, nil, estimator, nil, cfg.Engine, nil),
		Registry:       registry,
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/connectors", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/connectors", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
}

func TestTraceIDOnErrors(t *testing.T) {
	handler, _ := newTestHandler(t, testConfig(), nil, &fakeConnector{name: "duckdb"})

	rr := postJSON(t, handler, "/v1/query", map[string]any{"sql": "  "})
	var body map[string]any
	decodeBody(t, rr, &body)
	trace, _ := body["trace_id"].(string)
	if strings.TrimSpace(trace) == "" {
		t.Fatal("expected trace id on error payload")
	}
}
