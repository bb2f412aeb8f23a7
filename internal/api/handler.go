// Package api exposes the execution engine over HTTP: query execution with
// NDJSON chunk streaming, dialect detection, row counts, random-access
// paging, cancellation, and schema introspection.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hfmsio/querystream/internal/config"
	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/observability"
	"github.com/hfmsio/querystream/internal/router"
)

type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Engine            *router.Router
	Registry          *engine.Registry
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/detect", func(w http.ResponseWriter, r *http.Request) {
		handleDetect(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/count", func(w http.ResponseWriter, r *http.Request) {
		handleCount(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/page", func(w http.ResponseWriter, r *http.Request) {
		handlePage(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/queries/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleCancel(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/queries", func(w http.ResponseWriter, r *http.Request) {
		handleCancelAll(deps, w, r)
	})
	protected.HandleFunc("GET /v1/connectors", func(w http.ResponseWriter, r *http.Request) {
		handleListConnectors(deps, w, r)
	})
	protected.HandleFunc("GET /v1/connectors/{connector}/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("POST /v1/query/detect", protectedHandler)
	mux.Handle("POST /v1/query/count", protectedHandler)
	mux.Handle("POST /v1/query/page", protectedHandler)
	mux.Handle("DELETE /v1/queries/{id}", protectedHandler)
	mux.Handle("DELETE /v1/queries", protectedHandler)
	mux.Handle("GET /v1/connectors", protectedHandler)
	mux.Handle("GET /v1/connectors/{connector}/schema", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
