package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/internal/executor"
	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/store"
)

// ResultSaver persists artifact payloads.
type ResultSaver interface {
	SaveResult(ctx context.Context, todoID string, payload any, final bool) error
}

// crewFinishedJobID marks the synthetic record appended after a
// successful execution.
const crewFinishedJobID = "CREW_FINISHED"

// EventQueue is bound to one claimed task. It translates executor
// events into store writes: artifacts become result saves, status
// updates become coalesced event records. A closed queue silently
// discards everything.
type EventQueue struct {
	ctx       context.Context
	task      store.Task
	saver     ResultSaver
	coalescer *Coalescer

	mu     sync.Mutex
	closed bool
	saves  sync.WaitGroup
}

func NewEventQueue(ctx context.Context, task store.Task, saver ResultSaver, coalescer *Coalescer) *EventQueue {
	return &EventQueue{ctx: ctx, task: task, saver: saver, coalescer: coalescer}
}

// Enqueue implements executor.Queue.
func (q *EventQueue) Enqueue(ev executor.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case executor.ArtifactUpdate:
		payload := ExtractPayload(e.Artifact)
		final := e.Final || e.LastChunk
		q.saves.Add(1)
		q.mu.Unlock()
		go q.saveArtifact(payload, final)
	case executor.StatusUpdate:
		rec := q.statusRecord(e)
		q.mu.Unlock()
		q.coalescer.Enqueue(rec)
	default:
		q.mu.Unlock()
	}
}

func (q *EventQueue) saveArtifact(payload any, final bool) {
	defer q.saves.Done()
	if err := q.saver.SaveResult(q.ctx, q.task.ID, payload, final); err != nil {
		log.ErrorErr(log.CatQueue, "artifact save failed", err,
			"task_id", q.task.ID, "final", final)
	}
}

func (q *EventQueue) statusRecord(e executor.StatusUpdate) store.EventRecord {
	eventType := e.Metadata.EventType
	if e.State == executor.StateInputRequired {
		eventType = "human_asked"
	}
	crewType := e.Metadata.CrewType
	if crewType == "" {
		crewType = q.task.AgentOrch
	}
	return store.EventRecord{
		ID:         uuid.NewString(),
		JobID:      e.Metadata.JobID,
		TodoID:     q.task.ID,
		ProcInstID: q.task.ProcInstID,
		CrewType:   crewType,
		EventType:  eventType,
		Data:       ExtractPayload(e.Message),
		Status:     e.Metadata.Status,
	}
}

// TaskDone appends the crew_completed sentinel. The server calls this
// after the executor returns successfully; a cancelled or failed task
// never records it.
func (q *EventQueue) TaskDone() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.coalescer.Enqueue(store.EventRecord{
		ID:         uuid.NewString(),
		JobID:      crewFinishedJobID,
		TodoID:     q.task.ID,
		ProcInstID: q.task.ProcInstID,
		CrewType:   "crew",
		EventType:  "crew_completed",
		Data:       map[string]any{"job_id": crewFinishedJobID, "crew_type": "crew"},
	})
}

// Close makes the queue inert. Idempotent.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain waits for in-flight artifact saves to finish.
func (q *EventQueue) Drain() {
	q.saves.Wait()
}
