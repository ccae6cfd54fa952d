// Package store defines the task store contract and the retry-wrapped
// adapter the worker talks to.
package store

import (
	"strings"
)

// Task statuses the worker reads or writes. The store's claim RPC owns the
// pending -> in_progress transition; save_task_result(final=true) owns
// in_progress -> completed.
const (
	StatusPending     = "pending"
	StatusInProgress  = "in_progress"
	StatusCancelled   = "cancelled"
	StatusFBRequested = "fb_requested"
	StatusCompleted   = "completed"
	StatusFailed      = "FAILED"
)

// Task is one unit of claimed work from the todolist table.
type Task struct {
	ID             string
	ProcInstID     string
	RootProcInstID string
	TenantID       string
	ActivityName   string
	Description    string
	Tool           string
	UserID         string // comma-separated participant ids
	AgentOrch      string
	Query          string
	Feedback       string // raw JSON, empty containers normalized to ""
	Output         string
	Draft          string
	DraftStatus    string
	Consumer       string
	Env            string
}

// EffectiveProcInstID returns root_proc_inst_id when present, else
// proc_inst_id. Lookups use the effective id; event records keep the
// task's own proc_inst_id.
func (t Task) EffectiveProcInstID() string {
	if t.RootProcInstID != "" {
		return t.RootProcInstID
	}
	return t.ProcInstID
}

// PriorArtifact returns output when present, else draft. Feedback
// summarization runs over this value.
func (t Task) PriorArtifact() string {
	if t.Output != "" {
		return t.Output
	}
	return t.Draft
}

// EventRecord is the schema the coalescer writes to the events table.
// An empty Status is persisted as NULL.
type EventRecord struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	TodoID     string `json:"todo_id"`
	ProcInstID string `json:"proc_inst_id"`
	CrewType   string `json:"crew_type"`
	EventType  string `json:"event_type"`
	Data       any    `json:"data"`
	Status     string `json:"status,omitempty"`
}

// FormField is one field of a form definition.
type FormField struct {
	Key  string `json:"key"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// FormDef is a form definition row.
type FormDef struct {
	ID     string
	Fields []FormField
	HTML   string
}

// FreeformFormDef is the fallback used when a task's tool has no form
// definition in the store.
func FreeformFormDef() FormDef {
	return FormDef{
		ID:     "freeform",
		Fields: []FormField{{Key: "freeform", Type: "textarea"}},
	}
}

// User is a row from the users table.
type User struct {
	ID       string
	Username string
	Role     string
	Goal     string
	Persona  string
	Tools    string
	Profile  string
	Model    string
	TenantID string
	Email    string
	IsAgent  bool
}

// UserGroups splits a task's participants into agents and humans.
type UserGroups struct {
	Agents []User
	Humans []User
}

// Notification is a row for the notifications table.
type Notification struct {
	ID          string
	UserID      string
	TenantID    string
	Title       string
	Description string
	Type        string
	URL         string
	FromUserID  string
}

// SplitIDs splits a comma-separated id list, trimming blanks.
func SplitIDs(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// NormalizeEmptyJSON maps empty JSON containers to absent. The store
// applies this to feedback/output/draft at fetch time.
func NormalizeEmptyJSON(s string) string {
	switch strings.TrimSpace(s) {
	case "", "{}", "[]", "null":
		return ""
	}
	return s
}
