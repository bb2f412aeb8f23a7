package chunkcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Janitor runs interval-driven retention sweeps on top of the advisory
// post-write eviction, so an idle service does not hold stale chunks for
// longer than the retention window.
type Janitor struct {
	Store    *Store
	Interval time.Duration
	Logger   *slog.Logger
}

type SweepSummary struct {
	Deleted   int64 `json:"deleted"`
	Remaining int   `json:"remaining"`
}

func (j *Janitor) Run(ctx context.Context) error {
	if j.Store == nil {
		return fmt.Errorf("store is required")
	}
	interval := j.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := j.RunOnce(ctx)
			if err != nil {
				if j.Logger != nil {
					j.Logger.WarnContext(ctx, "chunk cache sweep failed", slog.Any("error", err))
				}
				continue
			}
			if j.Logger != nil && summary.Deleted > 0 {
				j.Logger.InfoContext(ctx, "chunk cache sweep completed", slog.Any("summary", summary))
			}
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) (SweepSummary, error) {
	if j.Store == nil {
		return SweepSummary{}, fmt.Errorf("store is required")
	}
	deleted, err := j.Store.EvictExpired(ctx)
	if err != nil {
		return SweepSummary{}, err
	}
	remaining, err := j.Store.EntryCount(ctx)
	if err != nil {
		return SweepSummary{Deleted: deleted}, err
	}
	return SweepSummary{Deleted: deleted, Remaining: remaining}, nil
}
