package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/store"
)

// DefaultCancelPollInterval is how often the watcher reads the task's
// external status.
const DefaultCancelPollInterval = 500 * time.Millisecond

// StatusFetcher reads a task's current draft_status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, todoID string) (string, error)
}

// cancellationRequested reports whether an externally written status
// asks the worker to stop the task.
func cancellationRequested(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case store.StatusCancelled, store.StatusFBRequested:
		return true
	}
	return false
}

// watchCancellation polls the task status until cancellation is
// observed or ctx is done. Returns true only when cancellation was
// observed. Lookup failures are logged and polling continues.
func watchCancellation(ctx context.Context, fetch StatusFetcher, todoID string, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultCancelPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		status, err := fetch.FetchStatus(ctx, todoID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			log.Warn(log.CatWatch, "status poll failed", "task_id", todoID, "error", err)
			continue
		}
		if cancellationRequested(status) {
			log.Info(log.CatWatch, "cancellation observed", "task_id", todoID, "status", status)
			return true
		}
	}
}
