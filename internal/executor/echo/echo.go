// Package echo provides a trivial executor that answers with the task's
// own input. It exists so the worker binary can run end to end without
// a real agent wired in.
package echo

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskrelay/taskrelay/internal/executor"
)

// Executor echoes the user input back as the final artifact.
type Executor struct {
	mu        sync.Mutex
	cancelled map[string]bool
}

func New() *Executor {
	return &Executor{cancelled: make(map[string]bool)}
}

func (e *Executor) Execute(ctx context.Context, req *executor.RequestContext, q executor.Queue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	cancelled := e.cancelled[req.Task.ID]
	e.mu.Unlock()
	if cancelled {
		return fmt.Errorf("task %s was cancelled before execution", req.Task.ID)
	}

	q.Enqueue(executor.StatusUpdate{
		State:   "working",
		Message: executor.Message{Parts: []executor.Part{{Text: "echoing input"}}},
		Metadata: executor.Metadata{
			EventType: "task_started",
			JobID:     req.Task.ID,
		},
	})
	q.Enqueue(executor.ArtifactUpdate{
		Artifact:  map[string]any{"text": req.UserInput()},
		Final:     true,
		LastChunk: true,
	})
	return nil
}

func (e *Executor) Cancel(_ context.Context, req *executor.RequestContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[req.Task.ID] = true
	return nil
}
