package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound marks a lookup whose subject does not exist. It is not
// retried; callers decide whether absent is acceptable.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with the entity and key that were missed.
func NotFound(entity, key string) error {
	return fmt.Errorf("%s %q: %w", entity, key, ErrNotFound)
}

// Store is the raw task store contract. Implementations are expected to
// be safe for concurrent use. Every worker-facing call goes through
// Reliable, which adds the retry policy.
type Store interface {
	// ClaimPending atomically claims at most one pending task for the
	// given pool, stamping the consumer and transitioning the row to
	// in_progress. Returns ErrNotFound when nothing is pending.
	// env is "dev" or "prod"; dev-only rows are excluded from prod claims.
	ClaimPending(ctx context.Context, agentOrch, consumer, env string) (Task, error)

	// FetchDoneData returns prior completed outputs for a process.
	FetchDoneData(ctx context.Context, procInstID string) ([]any, error)

	// SaveResult persists an artifact payload. final=true transitions the
	// task to completed.
	SaveResult(ctx context.Context, todoID string, payload any, final bool) error

	// RecordEvent writes a single event record.
	RecordEvent(ctx context.Context, rec EventRecord) error

	// RecordEventsBulk writes a batch of event records in one call.
	RecordEventsBulk(ctx context.Context, recs []EventRecord) error

	// MarkFailed sets draft_status=FAILED and clears the consumer.
	MarkFailed(ctx context.Context, todoID string) error

	// FetchStatus returns the task's current draft_status.
	FetchStatus(ctx context.Context, todoID string) (string, error)

	// FetchHumanResponse returns the human_response event for a job id,
	// or ErrNotFound while no answer has arrived.
	FetchHumanResponse(ctx context.Context, jobID string) (map[string]any, error)

	// FetchUsersGrouped resolves a comma-separated user id list into
	// agent and human user groups.
	FetchUsersGrouped(ctx context.Context, userIDsCSV string) (UserGroups, error)

	// FetchEmailUsersByProcInst returns a CSV of the process
	// participants' emails, humans only.
	FetchEmailUsersByProcInst(ctx context.Context, procInstID string) (string, error)

	// FetchFormDef returns the form definition for an id within a tenant.
	FetchFormDef(ctx context.Context, formID, tenantID string) (FormDef, error)

	// FetchTenantMCP returns the tenant's tool configuration.
	FetchTenantMCP(ctx context.Context, tenantID string) (map[string]any, error)

	// SaveNotifications inserts notification rows for a set of users.
	SaveNotifications(ctx context.Context, ns []Notification) error

	// Close releases the underlying connection.
	Close() error
}
