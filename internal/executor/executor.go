// Package executor defines the contract between the worker loop and a
// user-supplied agent implementation. The worker claims a task, builds
// a RequestContext, and hands the executor a Queue to stream progress
// through while it runs.
package executor

import (
	"context"

	"github.com/taskrelay/taskrelay/internal/store"
)

// StateInputRequired marks a status update that pauses the task waiting
// for a human answer.
const StateInputRequired = "input-required"

// Executor runs one task. Execute blocks until the task finishes or the
// context is cancelled. Cancel asks a running execution to stop and is
// best-effort.
type Executor interface {
	Execute(ctx context.Context, req *RequestContext, q Queue) error
	Cancel(ctx context.Context, req *RequestContext) error
}

// Queue receives events emitted by a running executor. A closed queue
// accepts and discards further events.
type Queue interface {
	Enqueue(ev Event)
	Close()
}

// Event is a progress signal emitted during execution.
type Event interface{ isEvent() }

// ArtifactUpdate carries a produced (or partially produced) result.
// Final marks the authoritative result, LastChunk the end of a
// streamed artifact.
type ArtifactUpdate struct {
	Artifact  any
	Final     bool
	LastChunk bool
}

// StatusUpdate reports a state transition with an optional message
// payload describing it.
type StatusUpdate struct {
	State    string
	Message  any
	Metadata Metadata
}

func (ArtifactUpdate) isEvent() {}
func (StatusUpdate) isEvent()   {}

// Metadata classifies a status update for persistence.
type Metadata struct {
	CrewType  string
	EventType string
	Status    string
	JobID     string
}

// Mapper is implemented by message payloads that can render themselves
// as a plain map for persistence.
type Mapper interface {
	AsMap() map[string]any
}

// Part is a single segment of a structured message.
type Part struct {
	Text    string `json:"text,omitempty"`
	Content any    `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Message is a structured multi-part payload. Its first part carries
// the content that gets persisted.
type Message struct {
	Parts []Part `json:"parts"`
}

// AsMap implements Mapper.
func (m Message) AsMap() map[string]any {
	parts := make([]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		part := map[string]any{}
		if p.Text != "" {
			part["text"] = p.Text
		}
		if p.Content != nil {
			part["content"] = p.Content
		}
		if p.Data != nil {
			part["data"] = p.Data
		}
		parts = append(parts, part)
	}
	return map[string]any{"parts": parts}
}

// RequestContext is everything an executor needs to run one task: the
// claimed row plus the context assembled during preparation.
type RequestContext struct {
	Task   store.Task
	Extras map[string]any
}

// UserInput returns the instruction the executor should act on.
func (r *RequestContext) UserInput() string {
	return r.Task.Query
}

// ContextData merges the task row fields the executor may need with the
// prepared extras. Extras win on key collisions.
func (r *RequestContext) ContextData() map[string]any {
	data := map[string]any{
		"todo_id":       r.Task.ID,
		"proc_inst_id":  r.Task.ProcInstID,
		"tenant_id":     r.Task.TenantID,
		"activity_name": r.Task.ActivityName,
		"description":   r.Task.Description,
		"tool":          r.Task.Tool,
		"user_id":       r.Task.UserID,
		"agent_orch":    r.Task.AgentOrch,
		"query":         r.Task.Query,
		"feedback":      r.Task.Feedback,
	}
	for k, v := range r.Extras {
		data[k] = v
	}
	return data
}
