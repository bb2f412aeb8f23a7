// Package router orchestrates query execution: connector selection with
// optional dialect auto-routing, statement classification, delivery-mode
// choice, and per-query cancellation.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hfmsio/querystream/internal/chunkcache"
	"github.com/hfmsio/querystream/internal/config"
	"github.com/hfmsio/querystream/internal/dialect"
	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/observability"
	"github.com/hfmsio/querystream/internal/rowcount"
	"github.com/hfmsio/querystream/internal/sqlinfo"
	"github.com/hfmsio/querystream/internal/stream"
)

// MismatchError refuses execution in suggest mode: the statement confidently
// targets a different registered connector than the one requested.
type MismatchError struct {
	Requested string
	Suggested string
	Detection dialect.Detection
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("statement targets the %q dialect, not %q; re-run against %q or disable auto-routing",
		e.Suggested, e.Requested, e.Suggested)
}

// Result is the outcome of Run. Exactly one of Chunk and Stream is set:
// Chunk for full in-memory delivery, Stream for chunked delivery.
type Result struct {
	QueryID    string             `json:"query_id"`
	Connector  string             `json:"connector"`
	RoutedFrom string             `json:"routed_from,omitempty"`
	Detection  *dialect.Detection `json:"detection,omitempty"`
	Count      rowcount.Count     `json:"count"`
	Chunk      *engine.Chunk      `json:"chunk,omitempty"`
	Stream     *Handle            `json:"-"`
	// SchemaChanged signals the caller that cached introspection for this
	// connector is stale.
	SchemaChanged bool `json:"schema_changed,omitempty"`
}

type Router struct {
	registry  *engine.Registry
	detector  *dialect.Registry
	estimator *rowcount.Estimator
	cache     *chunkcache.Store
	cfg       config.EngineConfig
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*handle
}

type handle struct {
	id        string
	connector string
	mode      string
	started   time.Time
	cancel    context.CancelFunc
	router    *Router
	once      sync.Once
}

// finish removes the handle from the registry and records the query outcome.
// Every branch of every query path funnels through here exactly once.
func (h *handle) finish(status string) {
	h.once.Do(func() {
		h.cancel()
		h.router.mu.Lock()
		delete(h.router.active, h.id)
		remaining := len(h.router.active)
		h.router.mu.Unlock()

		observability.SetActiveQueries(remaining)
		observability.ObserveQuery(h.connector, h.mode, time.Since(h.started))
		if status == "cancelled" {
			observability.IncrementCancellations()
		}
	})
}

func New(registry *engine.Registry, detector *dialect.Registry, estimator *rowcount.Estimator, cache *chunkcache.Store, cfg config.EngineConfig, logger *slog.Logger) *Router {
	return &Router{
		registry:  registry,
		detector:  detector,
		estimator: estimator,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		active:    map[string]*handle{},
	}
}

// Detect exposes dialect detection without executing anything.
func (r *Router) Detect(sqlText string) dialect.Detection {
	if r.detector == nil {
		return dialect.Detection{Engine: dialect.EngineUnknown, Confidence: dialect.ConfidenceLow, Signals: []string{}, Scores: map[string]int{}}
	}
	return r.detector.Detect(sqlText)
}

// Run executes sqlText against the hinted connector, possibly re-routed by
// dialect detection. Small bounded results come back materialized in
// Result.Chunk; everything else comes back as Result.Stream, which the
// caller must drain or close.
func (r *Router) Run(ctx context.Context, sqlText, connectorName string) (*Result, error) {
	result := &Result{
		QueryID:   newQueryID(),
		Connector: connectorName,
		Count:     rowcount.Count{Rows: rowcount.Unknown, Estimated: true},
	}

	if err := r.route(sqlText, result); err != nil {
		return nil, err
	}
	reg, err := r.registry.Get(result.Connector)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithCancel(ctx)
	h := r.track(result.QueryID, result.Connector, cancel)

	kind := sqlinfo.Classify(sqlText)
	if kind != sqlinfo.KindSelect {
		return r.runStatement(queryCtx, h, reg, sqlText, kind, result)
	}
	return r.runSelect(queryCtx, h, reg, sqlText, result)
}

// runStatement executes a DDL/DML/administrative statement once, fully, with
// no estimation or pagination.
func (r *Router) runStatement(ctx context.Context, h *handle, reg engine.Registration, sqlText string, kind sqlinfo.Kind, result *Result) (*Result, error) {
	h.mode = "full"
	chunk, err := r.collect(ctx, h, reg, sqlText)
	if err != nil {
		return nil, err
	}
	result.Chunk = chunk
	result.Count = rowcount.Count{Rows: int64(len(chunk.Rows)), Estimated: false}
	result.SchemaChanged = kind == sqlinfo.KindDDL || sqlinfo.IsSchemaMutating(sqlText)
	h.finish("completed")
	return result, nil
}

func (r *Router) runSelect(ctx context.Context, h *handle, reg engine.Registration, sqlText string, result *Result) (*Result, error) {
	// exact-metadata backends report totals on the stream itself, so a
	// pre-execution estimate would just run the query twice
	if !reg.Caps.ExactMetadata {
		count, err := r.estimator.Estimate(ctx, reg, sqlText)
		if err != nil {
			h.finish("cancelled")
			return nil, err
		}
		result.Count = count
	}

	if r.deliverInMemory(sqlText, result.Count) {
		h.mode = "full"
		chunk, err := r.collect(ctx, h, reg, sqlText)
		if err != nil {
			return nil, err
		}
		result.Chunk = chunk
		result.Count = rowcount.Count{Rows: int64(len(chunk.Rows)), Estimated: false}
		h.finish("completed")
		return result, nil
	}

	h.mode = "stream"
	s, err := stream.Open(ctx, reg, sqlText, stream.Options{
		ChunkSize: r.cfg.DefaultChunkSize,
		QueryHash: sqlinfo.Hash(sqlText),
		TotalRows: result.Count.Rows,
	}, r.cache, r.logger)
	if err != nil {
		status := "failed"
		if engine.IsCancellation(err) {
			status = "cancelled"
		}
		h.finish(status)
		return nil, err
	}
	result.Stream = &Handle{ID: result.QueryID, inner: s, ctx: ctx, h: h}
	return result, nil
}

// deliverInMemory is the full-materialization decision for plan-estimate and
// capability-less backends. Aggregations always materialize: their output
// cardinality is small no matter how large the scanned input is.
func (r *Router) deliverInMemory(sqlText string, count rowcount.Count) bool {
	if sqlinfo.IsAggregation(sqlText) {
		return true
	}
	limit, ok := sqlinfo.TrailingLimit(sqlText)
	if !ok || limit > r.cfg.LargeLimitCutoff {
		return false
	}
	return count.Rows >= 0 && count.Rows <= int64(r.cfg.InMemoryRowCutoff)
}

func (r *Router) collect(ctx context.Context, h *handle, reg engine.Registration, sqlText string) (*engine.Chunk, error) {
	s, err := stream.Open(ctx, reg, sqlText, stream.Options{
		ChunkSize: r.cfg.DefaultChunkSize,
	}, nil, r.logger)
	if err != nil {
		h.finish(failStatus(err))
		return nil, err
	}
	chunk, err := s.Collect(ctx)
	if err != nil {
		_ = s.Close()
		h.finish(failStatus(err))
		return nil, err
	}
	return &chunk, nil
}

// Cancel cancels the query registered under id and clears its handle. It
// reports whether the id was known; cancelling twice is a no-op.
func (r *Router) Cancel(id string) bool {
	r.mu.Lock()
	h, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	h.finish("cancelled")
	return true
}

// CancelAll snapshots the registry, then cancels and clears every handle.
func (r *Router) CancelAll() int {
	r.mu.Lock()
	snapshot := make([]*handle, 0, len(r.active))
	for _, h := range r.active {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		h.cancel()
		h.finish("cancelled")
	}
	return len(snapshot)
}

func (r *Router) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// RowCount answers the pre-execution count question on its own, without
// running the statement.
func (r *Router) RowCount(ctx context.Context, sqlText, connectorName string) (rowcount.Count, error) {
	reg, err := r.registry.Get(connectorName)
	if err != nil {
		return rowcount.Count{}, err
	}
	return r.estimator.Estimate(ctx, reg, sqlText)
}

// GetPage fetches one random-access page, serving from the chunk cache when
// the page lies on the cached chunk grid and falling back to a single-page
// server-paged execution.
func (r *Router) GetPage(ctx context.Context, sqlText, connectorName string, offset, pageSize int) (engine.Chunk, error) {
	if pageSize <= 0 {
		return engine.Chunk{}, fmt.Errorf("page size must be positive")
	}
	if offset < 0 {
		return engine.Chunk{}, fmt.Errorf("offset must not be negative")
	}

	hash := sqlinfo.Hash(sqlText)
	// streamed runs populate the same keyspace with chunks of
	// DefaultChunkSize rows, so a cached index only means anything for pages
	// of exactly that size starting on a chunk boundary
	aligned := pageSize == r.cfg.DefaultChunkSize && offset%pageSize == 0
	index := offset / pageSize
	if aligned && r.cache != nil {
		rows, err := r.cache.Get(ctx, hash, index)
		if err == nil {
			observability.ObserveChunkCacheOp("get", "hit")
			return engine.Chunk{
				Rows:       rows,
				StartIndex: offset,
				EndIndex:   offset + len(rows) - 1,
				Done:       len(rows) < pageSize,
				TotalRows:  engine.TotalRowsUnknown,
			}, nil
		}
		observability.ObserveChunkCacheOp("get", "miss")
	}

	reg, err := r.registry.Get(connectorName)
	if err != nil {
		return engine.Chunk{}, err
	}
	s, err := stream.Open(ctx, reg, sqlText, stream.Options{
		ChunkSize: pageSize,
		Paginate:  true,
		Limit:     pageSize,
		Offset:    offset,
	}, nil, r.logger)
	if err != nil {
		return engine.Chunk{}, err
	}
	defer func() { _ = s.Close() }()

	chunk, err := s.Next(ctx)
	if err != nil {
		return engine.Chunk{}, err
	}
	chunk.StartIndex += offset
	chunk.EndIndex += offset

	if aligned && r.cache != nil {
		if err := r.cache.Put(ctx, hash, index, chunk.Rows); err != nil {
			observability.ObserveChunkCacheOp("put", "error")
			if r.logger != nil {
				r.logger.WarnContext(ctx, "page cache write failed", slog.Any("error", err))
			}
		} else {
			observability.ObserveChunkCacheOp("put", "ok")
		}
	}
	return chunk, nil
}

// Schema aggregates introspection for one connector. A table whose
// description fails is still listed, with empty columns; only the table
// listing itself is fatal.
func (r *Router) Schema(ctx context.Context, connectorName string) ([]engine.TableSchema, error) {
	reg, err := r.registry.Get(connectorName)
	if err != nil {
		return nil, err
	}
	if !reg.Caps.Introspection {
		return nil, fmt.Errorf("connector %q does not support schema introspection", connectorName)
	}

	tables, err := reg.Inspector.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables on %s: %w", connectorName, err)
	}

	schemas := make([]engine.TableSchema, 0, len(tables))
	for _, table := range tables {
		columns, err := reg.Inspector.DescribeTable(ctx, table)
		if err != nil {
			if engine.IsCancellation(err) {
				return nil, err
			}
			if r.logger != nil {
				r.logger.WarnContext(ctx, "table description failed",
					slog.String("connector", connectorName),
					slog.String("table", table),
					slog.Any("error", err),
				)
			}
			columns = nil
		}
		schemas = append(schemas, engine.TableSchema{Name: table, Columns: columns})
	}
	return schemas, nil
}

// route applies the configured auto-routing mode to the connector hint.
func (r *Router) route(sqlText string, result *Result) error {
	if r.cfg.AutoRoute == config.AutoRouteOff || r.detector == nil {
		return nil
	}

	detection := r.detector.Detect(sqlText)
	result.Detection = &detection
	if detection.Engine == dialect.EngineUnknown ||
		detection.Engine == result.Connector ||
		detection.Confidence == dialect.ConfidenceLow {
		return nil
	}

	if _, err := r.registry.Get(detection.Engine); err != nil {
		return fmt.Errorf("statement targets the %q dialect: %w", detection.Engine, err)
	}

	switch r.cfg.AutoRoute {
	case config.AutoRouteSwitch:
		if r.logger != nil {
			r.logger.Info("auto-routed query",
				slog.String("from", result.Connector),
				slog.String("to", detection.Engine),
				slog.String("confidence", string(detection.Confidence)),
			)
		}
		result.RoutedFrom = result.Connector
		result.Connector = detection.Engine
		return nil
	case config.AutoRouteSuggest:
		return &MismatchError{Requested: result.Connector, Suggested: detection.Engine, Detection: detection}
	default:
		return nil
	}
}

func (r *Router) track(id, connector string, cancel context.CancelFunc) *handle {
	h := &handle{
		id:        id,
		connector: connector,
		mode:      "stream",
		started:   time.Now(),
		cancel:    cancel,
		router:    r,
	}
	r.mu.Lock()
	r.active[id] = h
	count := len(r.active)
	r.mu.Unlock()
	observability.SetActiveQueries(count)
	return h
}

func failStatus(err error) string {
	if engine.IsCancellation(err) {
		return "cancelled"
	}
	return "failed"
}

func newQueryID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
