package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/executor"
	"github.com/taskrelay/taskrelay/internal/store"
)

func newTestQueue(t *testing.T, fs *fakeStore) (*EventQueue, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	coalescer := NewCoalescer(sink, 100, time.Hour)
	task := store.Task{ID: "T1", ProcInstID: "P1", AgentOrch: "crewai"}
	return NewEventQueue(context.Background(), task, newFastReliable(fs), coalescer), sink
}

func TestEventQueue_ArtifactSavedWithExtractedPayload(t *testing.T) {
	fs := &fakeStore{}
	q, _ := newTestQueue(t, fs)

	q.Enqueue(executor.ArtifactUpdate{Artifact: map[string]any{"text": "done"}, Final: true})
	q.Drain()

	saved := fs.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "T1", saved[0].todoID)
	assert.Equal(t, "done", saved[0].payload)
	assert.True(t, saved[0].final)
}

func TestEventQueue_LastChunkCountsAsFinal(t *testing.T) {
	fs := &fakeStore{}
	q, _ := newTestQueue(t, fs)

	q.Enqueue(executor.ArtifactUpdate{Artifact: "partial", LastChunk: true})
	q.Drain()

	saved := fs.saved()
	require.Len(t, saved, 1)
	assert.True(t, saved[0].final)
}

func TestEventQueue_StatusBecomesCoalescedRecord(t *testing.T) {
	fs := &fakeStore{}
	q, sink := newTestQueue(t, fs)

	q.Enqueue(executor.StatusUpdate{
		State:   "working",
		Message: executor.Message{Parts: []executor.Part{{Text: "step 1"}}},
		Metadata: executor.Metadata{
			CrewType:  "c",
			EventType: "progress",
			Status:    "working",
			JobID:     "J",
		},
	})
	q.coalescer.Flush()

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	got := batches[0][0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "J", got.JobID)
	assert.Equal(t, "T1", got.TodoID)
	assert.Equal(t, "P1", got.ProcInstID)
	assert.Equal(t, "c", got.CrewType)
	assert.Equal(t, "progress", got.EventType)
	assert.Equal(t, "working", got.Status)
	assert.Equal(t, "step 1", got.Data)
}

func TestEventQueue_InputRequiredOverridesEventType(t *testing.T) {
	fs := &fakeStore{}
	q, sink := newTestQueue(t, fs)

	q.Enqueue(executor.StatusUpdate{
		State:    executor.StateInputRequired,
		Metadata: executor.Metadata{EventType: "anything", JobID: "J"},
	})
	q.coalescer.Flush()

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "human_asked", batches[0][0].EventType)
}

func TestEventQueue_EmptyCrewTypeDefaultsToPool(t *testing.T) {
	fs := &fakeStore{}
	q, sink := newTestQueue(t, fs)

	q.Enqueue(executor.StatusUpdate{State: "working", Metadata: executor.Metadata{EventType: "progress"}})
	q.coalescer.Flush()

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "crewai", batches[0][0].CrewType)
}

func TestEventQueue_TaskDoneEmitsCrewCompleted(t *testing.T) {
	fs := &fakeStore{}
	q, sink := newTestQueue(t, fs)

	q.TaskDone()
	q.coalescer.Flush()

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	got := batches[0][0]
	assert.Equal(t, "crew_completed", got.EventType)
	assert.Equal(t, "CREW_FINISHED", got.JobID)
	assert.Equal(t, "crew", got.CrewType)
	assert.Equal(t, "T1", got.TodoID)
}

func TestEventQueue_ClosedQueueIsInert(t *testing.T) {
	fs := &fakeStore{}
	q, sink := newTestQueue(t, fs)

	q.Close()
	q.Enqueue(executor.ArtifactUpdate{Artifact: "late", Final: true})
	q.Enqueue(executor.StatusUpdate{State: "working", Metadata: executor.Metadata{EventType: "progress"}})
	q.TaskDone()
	q.Drain()
	q.coalescer.Flush()

	assert.Empty(t, fs.saved())
	assert.Empty(t, sink.snapshot())

	// Close is idempotent
	q.Close()
}
