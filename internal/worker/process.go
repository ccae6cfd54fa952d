package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskrelay/taskrelay/internal/executor"
	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/pubsub"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/summarize"
	"github.com/taskrelay/taskrelay/internal/tracing"
)

// errCancelled marks a task stopped by external cancellation. Not a
// failure: no error record, no FAILED transition.
var errCancelled = errors.New("task cancelled externally")

// processTask runs the whole lifecycle of one claimed task behind a
// single failure boundary. Any error ends in exactly one error record
// and one FAILED transition; the poll loop continues either way.
func (s *Server) processTask(ctx context.Context, task store.Task) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanProcess, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, task.ID),
		attribute.String(tracing.AttrProcInstID, task.ProcInstID),
		attribute.String(tracing.AttrTenantID, task.TenantID),
		attribute.String(tracing.AttrTool, task.Tool),
	))
	defer span.End()
	defer s.coalescer.Flush()

	err := s.runTask(ctx, task)
	switch {
	case err == nil:
		span.AddEvent(tracing.EventTaskCompleted)
		s.metrics.IncCompleted()
		s.events.Publish(pubsub.CompletedEvent, task.ID)
		log.Info(log.CatWorker, "task completed", "task_id", task.ID)
	case errors.Is(err, errCancelled):
		span.AddEvent(tracing.EventCancelObserved)
		s.metrics.IncCancelled()
		s.events.Publish(pubsub.CancelledEvent, task.ID)
		log.Info(log.CatWorker, "task cancelled", "task_id", task.ID)
	default:
		span.AddEvent(tracing.EventTaskFailed)
		s.failTask(ctx, task, err)
		s.events.Publish(pubsub.FailedEvent, task.ID)
	}
}

func (s *Server) runTask(ctx context.Context, task store.Task) error {
	prepCtx, prepSpan := s.tracer.Start(ctx, tracing.SpanPrepare)
	prepared, err := s.preparer.Prepare(prepCtx, task)
	prepSpan.End()
	if err != nil {
		return err
	}

	q := NewEventQueue(ctx, task, s.store, s.coalescer)
	req := &executor.RequestContext{Task: task, Extras: prepared.Extras()}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	execDone := make(chan error, 1)
	go func() {
		_, execSpan := s.tracer.Start(execCtx, tracing.SpanExecute)
		defer execSpan.End()
		execDone <- s.exec.Execute(execCtx, req, q)
	}()

	watchDone := make(chan bool, 1)
	go func() {
		watchDone <- watchCancellation(watchCtx, s.store, task.ID, s.cancelPollInterval)
	}()

	// Execute and the watcher race; the first to finish stops the other.
	select {
	case execErr := <-execDone:
		cancelWatch()
		if execErr != nil {
			q.Drain()
			q.Close()
			return execErr
		}
		q.TaskDone()
		q.Drain()
		q.Close()
		return nil

	case cancelled := <-watchDone:
		if !cancelled {
			// Watcher exited without a cancel signal; wait out execute.
			execErr := <-execDone
			if execErr != nil {
				q.Drain()
				q.Close()
				return execErr
			}
			q.TaskDone()
			q.Drain()
			q.Close()
			return nil
		}
		if cerr := s.exec.Cancel(ctx, req); cerr != nil {
			log.Warn(log.CatWorker, "executor cancel failed", "task_id", task.ID, "error", cerr)
		}
		cancelExec()
		q.Close()
		<-execDone
		return errCancelled
	}
}

// failTask runs the single failure path: one error event, one FAILED
// marking. Persistence errors are logged and never mask the cause.
func (s *Server) failTask(ctx context.Context, task store.Task, cause error) {
	rawError := formatRawError(cause)
	log.ErrorErr(log.CatWorker, "task failed", cause, "task_id", task.ID)

	meta := summarize.ErrorMeta{
		TaskID:     task.ID,
		ProcInstID: task.ProcInstID,
		AgentOrch:  task.AgentOrch,
		Tool:       task.Tool,
	}
	friendly, serr := s.errSummarizer.SummarizeError(ctx, rawError, meta)
	if serr != nil || friendly == "" {
		friendly = summarize.DefaultErrorMessage
	}

	rec := store.EventRecord{
		ID:         uuid.NewString(),
		JobID:      "TASK_ERROR",
		TodoID:     task.ID,
		ProcInstID: task.ProcInstID,
		CrewType:   "agent",
		EventType:  "error",
		Data: map[string]any{
			"name":          task.ActivityName,
			"goal":          task.Query,
			"agent_profile": task.AgentOrch,
			"friendly":      friendly,
			"raw_error":     rawError,
		},
	}
	if err := s.store.RecordEvent(ctx, rec); err != nil {
		log.ErrorErr(log.CatWorker, "failed to record error event", err, "task_id", task.ID)
	}
	if err := s.store.MarkFailed(ctx, task.ID); err != nil {
		log.ErrorErr(log.CatWorker, "failed to mark task failed", err, "task_id", task.ID)
	}
	s.metrics.IncFailed()
}

// formatRawError renders "Class: message" with the class of the
// innermost error and the message of the outermost meaningful one.
func formatRawError(err error) string {
	cause := err
	var perr *PreparationError
	if errors.As(err, &perr) {
		cause = perr.Cause
	}
	root := cause
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return fmt.Sprintf("%T: %v", root, cause)
}
