package store

import (
	"context"
	"errors"
)

// Reliable wraps a raw Store with the retry policy. Every worker-facing
// store call goes through here; callers get the operation result or the
// post-retry error and apply their own absent/default semantics.
type Reliable struct {
	raw    Store
	policy RetryPolicy

	// OnExhausted, when set, is called with the operation name each time
	// retries run out. The worker wires its metrics counter here.
	OnExhausted func(name string)
}

// NewReliable wraps raw with the given policy.
func NewReliable(raw Store, policy RetryPolicy) *Reliable {
	return &Reliable{raw: raw, policy: policy}
}

// Raw returns the wrapped store.
func (r *Reliable) Raw() Store {
	return r.raw
}

func do[T any](ctx context.Context, r *Reliable, name string, op func(ctx context.Context) (T, error)) (T, error) {
	value, err := Retry(ctx, r.policy, name, op, nil)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		if r.OnExhausted != nil {
			r.OnExhausted(name)
		}
	}
	return value, err
}

// ClaimPending claims at most one pending task. A nil task with nil error
// means nothing is pending.
func (r *Reliable) ClaimPending(ctx context.Context, agentOrch, consumer, env string) (*Task, error) {
	task, err := do(ctx, r, "claim_pending", func(ctx context.Context) (Task, error) {
		return r.raw.ClaimPending(ctx, agentOrch, consumer, env)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *Reliable) FetchDoneData(ctx context.Context, procInstID string) ([]any, error) {
	return do(ctx, r, "fetch_done_data", func(ctx context.Context) ([]any, error) {
		return r.raw.FetchDoneData(ctx, procInstID)
	})
}

func (r *Reliable) SaveResult(ctx context.Context, todoID string, payload any, final bool) error {
	_, err := do(ctx, r, "save_task_result", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.raw.SaveResult(ctx, todoID, payload, final)
	})
	return err
}

func (r *Reliable) RecordEvent(ctx context.Context, rec EventRecord) error {
	_, err := do(ctx, r, "record_event", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.raw.RecordEvent(ctx, rec)
	})
	return err
}

func (r *Reliable) RecordEventsBulk(ctx context.Context, recs []EventRecord) error {
	_, err := do(ctx, r, "record_events_bulk", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.raw.RecordEventsBulk(ctx, recs)
	})
	return err
}

func (r *Reliable) MarkFailed(ctx context.Context, todoID string) error {
	_, err := do(ctx, r, "mark_failed", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.raw.MarkFailed(ctx, todoID)
	})
	return err
}

func (r *Reliable) FetchStatus(ctx context.Context, todoID string) (string, error) {
	return do(ctx, r, "fetch_status", func(ctx context.Context) (string, error) {
		return r.raw.FetchStatus(ctx, todoID)
	})
}

func (r *Reliable) FetchHumanResponse(ctx context.Context, jobID string) (map[string]any, error) {
	return do(ctx, r, "fetch_human_response", func(ctx context.Context) (map[string]any, error) {
		return r.raw.FetchHumanResponse(ctx, jobID)
	})
}

func (r *Reliable) FetchUsersGrouped(ctx context.Context, userIDsCSV string) (UserGroups, error) {
	return do(ctx, r, "fetch_users_grouped", func(ctx context.Context) (UserGroups, error) {
		return r.raw.FetchUsersGrouped(ctx, userIDsCSV)
	})
}

func (r *Reliable) FetchEmailUsersByProcInst(ctx context.Context, procInstID string) (string, error) {
	return do(ctx, r, "fetch_email_users", func(ctx context.Context) (string, error) {
		return r.raw.FetchEmailUsersByProcInst(ctx, procInstID)
	})
}

func (r *Reliable) FetchFormDef(ctx context.Context, formID, tenantID string) (FormDef, error) {
	return do(ctx, r, "fetch_form_def", func(ctx context.Context) (FormDef, error) {
		return r.raw.FetchFormDef(ctx, formID, tenantID)
	})
}

func (r *Reliable) FetchTenantMCP(ctx context.Context, tenantID string) (map[string]any, error) {
	return do(ctx, r, "fetch_tenant_mcp", func(ctx context.Context) (map[string]any, error) {
		return r.raw.FetchTenantMCP(ctx, tenantID)
	})
}

func (r *Reliable) SaveNotifications(ctx context.Context, ns []Notification) error {
	_, err := do(ctx, r, "save_notifications", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.raw.SaveNotifications(ctx, ns)
	})
	return err
}
