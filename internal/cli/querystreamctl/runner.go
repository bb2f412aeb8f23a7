// Package querystreamctl implements the querystreamctl command against the
// querystream HTTP API.
package querystreamctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("querystreamctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querystream API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")
	sqlText := fs.String("sql", "", "SQL statement for query/detect/count/page")
	connector := fs.String("connector", "duckdb", "connector to execute against")
	offset := fs.Int("offset", 0, "row offset for the page command")
	pageSize := fs.Int("page-size", 100, "page size for the page command")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	runner := &runner{
		client:  client,
		baseURL: strings.TrimRight(*baseURL, "/"),
		apiKey:  strings.TrimSpace(*apiKey),
		stdout:  stdout,
		stderr:  stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health":
		return runner.do(ctx, http.MethodGet, "/v1/health", nil, false)
	case "ready":
		return runner.do(ctx, http.MethodGet, "/v1/ready", nil, false)
	case "connectors":
		return runner.do(ctx, http.MethodGet, "/v1/connectors", nil, false)
	case "schema":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "usage: querystreamctl schema <connector>")
			return 2
		}
		return runner.do(ctx, http.MethodGet, "/v1/connectors/"+strings.TrimSpace(fs.Arg(1))+"/schema", nil, false)
	case "detect":
		body, ok := queryBody(stderr, *sqlText, *connector)
		if !ok {
			return 2
		}
		return runner.do(ctx, http.MethodPost, "/v1/query/detect", body, false)
	case "count":
		body, ok := queryBody(stderr, *sqlText, *connector)
		if !ok {
			return 2
		}
		return runner.do(ctx, http.MethodPost, "/v1/query/count", body, false)
	case "query":
		body, ok := queryBody(stderr, *sqlText, *connector)
		if !ok {
			return 2
		}
		return runner.do(ctx, http.MethodPost, "/v1/query", body, true)
	case "page":
		if strings.TrimSpace(*sqlText) == "" {
			_, _ = fmt.Fprintln(stderr, "-sql is required")
			return 2
		}
		body := map[string]any{
			"sql":       *sqlText,
			"connector": *connector,
			"offset":    *offset,
			"page_size": *pageSize,
		}
		return runner.do(ctx, http.MethodPost, "/v1/query/page", body, false)
	case "cancel":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "usage: querystreamctl cancel <query-id>")
			return 2
		}
		return runner.do(ctx, http.MethodDelete, "/v1/queries/"+strings.TrimSpace(fs.Arg(1)), nil, false)
	case "cancel-all":
		return runner.do(ctx, http.MethodDelete, "/v1/queries", nil, false)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

type runner struct {
	client  *http.Client
	baseURL string
	apiKey  string
	stdout  io.Writer
	stderr  io.Writer
}

func (r *runner) do(ctx context.Context, method, path string, payload map[string]any, stream bool) int {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "encode request: %v\n", err)
			return 1
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if stream && resp.StatusCode < 400 &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		return r.copyLines(resp.Body)
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "read response: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		_, _ = fmt.Fprintf(r.stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(r.stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(r.stdout, string(responseBody))
	}
	return 0
}

// copyLines forwards NDJSON chunk lines as they arrive, so a large result
// prints progressively instead of after the final chunk.
func (r *runner) copyLines(body io.Reader) int {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		_, _ = fmt.Fprintln(r.stdout, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "stream interrupted: %v\n", err)
		return 1
	}
	return 0
}

func queryBody(stderr io.Writer, sqlText, connector string) (map[string]any, bool) {
	if strings.TrimSpace(sqlText) == "" {
		_, _ = fmt.Fprintln(stderr, "-sql is required")
		return nil, false
	}
	return map[string]any{"sql": sqlText, "connector": connector}, true
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querystreamctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                 GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  connectors            GET /v1/connectors")
	_, _ = fmt.Fprintln(w, "  schema <connector>    GET /v1/connectors/{connector}/schema")
	_, _ = fmt.Fprintln(w, "  detect -sql ...       POST /v1/query/detect")
	_, _ = fmt.Fprintln(w, "  count -sql ...        POST /v1/query/count")
	_, _ = fmt.Fprintln(w, "  query -sql ...        POST /v1/query (streams NDJSON chunks)")
	_, _ = fmt.Fprintln(w, "  page -sql -offset ... POST /v1/query/page")
	_, _ = fmt.Fprintln(w, "  cancel <query-id>     DELETE /v1/queries/{id}")
	_, _ = fmt.Fprintln(w, "  cancel-all            DELETE /v1/queries")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
