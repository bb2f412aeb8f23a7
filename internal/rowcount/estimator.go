// Package rowcount resolves an approximate or exact result-set size ahead of
// execution, memoized per normalized statement for a bounded time window.
package rowcount

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/observability"
	"github.com/hfmsio/querystream/internal/sqlinfo"
)

// Unknown is the count reported when no strategy is available or estimation
// failed; it is always paired with Estimated=true.
const Unknown int64 = -1

type Count struct {
	Rows      int64 `json:"rows"`
	Estimated bool  `json:"estimated"`
}

type cacheEntry struct {
	count    Count
	storedAt time.Time
}

// Estimator dispatches on the connector's registered capability: exact
// metadata when available, plan estimate otherwise, unknown when neither.
// Positive results are cached by normalized-SQL hash for TTL.
type Estimator struct {
	TTL     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
	Clock   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func New(ttl, timeout time.Duration, logger *slog.Logger) *Estimator {
	return &Estimator{
		TTL:     ttl,
		Timeout: timeout,
		Logger:  logger,
		Clock:   time.Now,
		entries: map[string]cacheEntry{},
	}
}

// Estimate never fails the caller's query: every non-cancellation failure
// degrades to {Unknown, estimated} with a logged warning. Cancellation of
// the caller's context propagates as cancellation; expiry of the estimator's
// own timeout is treated as an unknown count.
func (e *Estimator) Estimate(ctx context.Context, reg engine.Registration, sqlText string) (Count, error) {
	key := sqlinfo.Hash(sqlText)
	if cached, ok := e.lookup(key); ok {
		observability.ObserveCountCacheLookup("hit")
		return cached, nil
	}
	observability.ObserveCountCacheLookup("miss")

	if err := ctx.Err(); err != nil {
		return Count{}, err
	}

	estimateCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.Timeout > 0 {
		estimateCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	defer cancel()

	count, strategy, err := e.dispatch(estimateCtx, reg, sqlText)
	if err != nil {
		if ctx.Err() != nil {
			observability.ObserveEstimation(strategy, "cancelled")
			return Count{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			observability.ObserveEstimation(strategy, "timeout")
		} else {
			observability.ObserveEstimation(strategy, "error")
		}
		if e.Logger != nil {
			e.Logger.WarnContext(ctx, "row count estimation failed",
				slog.String("strategy", strategy),
				slog.Any("error", err),
			)
		}
		return Count{Rows: Unknown, Estimated: true}, nil
	}

	observability.ObserveEstimation(strategy, "ok")
	if count.Rows > 0 {
		e.store(key, count)
	}
	return count, nil
}

func (e *Estimator) dispatch(ctx context.Context, reg engine.Registration, sqlText string) (Count, string, error) {
	switch {
	case reg.Caps.ExactMetadata && reg.Counter != nil:
		rows, err := reg.Counter.ExactRowCount(ctx, sqlText)
		if err != nil {
			return Count{}, "exact", err
		}
		return Count{Rows: rows, Estimated: rows <= 0}, "exact", nil
	case reg.Caps.PlanEstimate && reg.Estimator != nil:
		rows, err := reg.Estimator.EstimateRowCount(ctx, sqlText)
		if err != nil {
			return Count{}, "plan", err
		}
		return Count{Rows: rows, Estimated: true}, "plan", nil
	default:
		return Count{Rows: Unknown, Estimated: true}, "none", nil
	}
}

func (e *Estimator) lookup(key string) (Count, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[key]
	if !ok {
		return Count{}, false
	}
	if e.now().Sub(entry.storedAt) >= e.TTL {
		// lazy eviction on read
		delete(e.entries, key)
		return Count{}, false
	}
	return entry.count, true
}

func (e *Estimator) store(key string, count Count) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[key] = cacheEntry{count: count, storedAt: e.now()}
}

func (e *Estimator) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}
