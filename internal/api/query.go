package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hfmsio/querystream/internal/dialect"
	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/router"
	"github.com/hfmsio/querystream/internal/rowcount"
)

type queryRequest struct {
	SQL       string `json:"sql"`
	Connector string `json:"connector"`
}

type pageRequest struct {
	SQL       string `json:"sql"`
	Connector string `json:"connector"`
	Offset    int    `json:"offset"`
	PageSize  int    `json:"page_size"`
}

// queryMeta opens every query response: the lone object of a materialized
// result, or the first NDJSON line of a streamed one.
type queryMeta struct {
	QueryID       string             `json:"query_id"`
	Connector     string             `json:"connector"`
	RoutedFrom    string             `json:"routed_from,omitempty"`
	Detection     *dialect.Detection `json:"detection,omitempty"`
	Count         rowcount.Count     `json:"count"`
	SchemaChanged bool               `json:"schema_changed,omitempty"`
	Streaming     bool               `json:"streaming"`
	Chunk         *engine.Chunk      `json:"chunk,omitempty"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, ok := decodeQueryRequest(deps, w, r)
	if !ok {
		return
	}

	result, err := deps.Engine.Run(r.Context(), request.SQL, request.Connector)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}

	meta := queryMeta{
		QueryID:       result.QueryID,
		Connector:     result.Connector,
		RoutedFrom:    result.RoutedFrom,
		Detection:     result.Detection,
		Count:         result.Count,
		SchemaChanged: result.SchemaChanged,
	}
	if result.Chunk != nil {
		meta.Chunk = result.Chunk
		writeJSON(w, http.StatusOK, meta)
		return
	}

	meta.Streaming = true
	streamChunks(deps, w, r, meta, result.Stream)
}

// streamChunks delivers one NDJSON object per line: the meta line first,
// then every chunk as it is pulled. The client observes cancellation as the
// stream simply ending without a done chunk.
func streamChunks(deps Dependencies, w http.ResponseWriter, r *http.Request, meta queryMeta, handle *router.Handle) {
	defer func() { _ = handle.Close() }()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Query-ID", meta.QueryID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	if err := encoder.Encode(meta); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		chunk, err := handle.Next(r.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if engine.IsCancellation(err) {
				if deps.Logger != nil {
					deps.Logger.InfoContext(r.Context(), "query stream cancelled",
						slog.String("query_id", meta.QueryID))
				}
				return
			}
			if deps.Logger != nil {
				deps.Logger.ErrorContext(r.Context(), "query stream failed",
					slog.String("query_id", meta.QueryID),
					slog.Any("error", err))
			}
			_ = encoder.Encode(map[string]any{"error_code": "QUERY_FAILED", "message": err.Error()})
			return
		}
		if err := encoder.Encode(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.Done {
			return
		}
	}
}

func handleDetect(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, ok := decodeQueryRequest(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deps.Engine.Detect(request.SQL))
}

func handleCount(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, ok := decodeQueryRequest(deps, w, r)
	if !ok {
		return
	}
	count, err := deps.Engine.RowCount(r.Context(), request.SQL, request.Connector)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

func handlePage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request pageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid page request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if request.Connector == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CONNECTOR_REQUIRED", "connector is required", false, nil)
		return
	}
	if request.PageSize <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "PAGE_SIZE_INVALID", "page_size must be positive", false, nil)
		return
	}

	chunk, err := deps.Engine.GetPage(r.Context(), request.SQL, request.Connector, request.Offset, request.PageSize)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

func handleCancel(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !deps.Engine.Cancel(id) {
		writeError(r.Context(), w, http.StatusNotFound, "QUERY_NOT_FOUND", "no active query with that id", false, map[string]any{"query_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "query_id": id})
}

func handleCancelAll(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	cancelled := deps.Engine.CancelAll()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func handleListConnectors(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connectors": deps.Registry.Names()})
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	connector := r.PathValue("connector")
	schemas, err := deps.Engine.Schema(r.Context(), connector)
	if err != nil {
		writeEngineError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connector": connector, "tables": schemas})
}

func decodeQueryRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return queryRequest{}, false
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return queryRequest{}, false
	}
	if request.Connector == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CONNECTOR_REQUIRED", "connector is required", false, nil)
		return queryRequest{}, false
	}
	return request, true
}

func writeEngineError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	var mismatch *router.MismatchError
	if errors.As(err, &mismatch) {
		writeError(r.Context(), w, http.StatusConflict, "DIALECT_MISMATCH", mismatch.Error(), false, map[string]any{
			"requested": mismatch.Requested,
			"suggested": mismatch.Suggested,
			"detection": mismatch.Detection,
		})
		return
	}
	if errors.Is(err, engine.ErrConnectorNotRegistered) {
		writeError(r.Context(), w, http.StatusNotFound, "CONNECTOR_NOT_FOUND", err.Error(), false, nil)
		return
	}
	var failure *engine.ExecFailure
	if errors.As(err, &failure) {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", failure.Error(), false, map[string]any{
			"kind":   string(failure.Kind),
			"remedy": failure.Remedy,
		})
		return
	}
	if engine.IsCancellation(err) {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "QUERY_CANCELLED", "query was cancelled", true, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "QUERY_FAILED", err.Error(), true, nil)
}
