package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskrelay/taskrelay/internal/cachemanager"
	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/summarize"
)

const (
	formHandlerPrefix = "formHandler:"

	formDefCacheTTL   = 5 * time.Minute
	tenantMCPCacheTTL = 10 * time.Minute
)

// PreparedContext is the immutable bundle handed to the executor.
// Built once per task, before execution starts.
type PreparedContext struct {
	TaskID          string
	ProcInstID      string // effective process id (root wins)
	NotifyEmails    string // CSV of human participant emails
	TenantMCP       map[string]any
	Form            store.FormDef
	Agents          []store.User
	Humans          []store.User
	PriorOutputs    []any
	FeedbackSummary string
}

// PreparationError wraps the cause of a failed context preparation. The
// executor is never invoked when preparation fails.
type PreparationError struct {
	Cause error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("context preparation failed: %v", e.Cause)
}

func (e *PreparationError) Unwrap() error { return e.Cause }

type formKey struct {
	FormID   string
	TenantID string
}

// Preparer fans out the auxiliary lookups a task needs before
// execution. Tenant tool config and form definitions are read through
// short-lived caches so a burst of tasks for one tenant does not hammer
// the store.
type Preparer struct {
	store    *store.Reliable
	feedback summarize.FeedbackSummarizer
	forms    *cachemanager.ReadThroughCache[string, store.FormDef, formKey]
	tenants  *cachemanager.ReadThroughCache[string, map[string]any, string]
}

func NewPreparer(st *store.Reliable, feedback summarize.FeedbackSummarizer) *Preparer {
	if feedback == nil {
		feedback = summarize.StaticFeedback{}
	}
	p := &Preparer{store: st, feedback: feedback}
	p.forms = cachemanager.NewReadThroughCache(
		cachemanager.NewInMemoryCacheManager[string, store.FormDef]("form-def", formDefCacheTTL, 30*time.Minute),
		func(ctx context.Context, key formKey) (store.FormDef, error) {
			return st.FetchFormDef(ctx, key.FormID, key.TenantID)
		},
		false,
	)
	p.tenants = cachemanager.NewReadThroughCache(
		cachemanager.NewInMemoryCacheManager[string, map[string]any]("tenant-mcp", tenantMCPCacheTTL, 30*time.Minute),
		func(ctx context.Context, tenantID string) (map[string]any, error) {
			return st.FetchTenantMCP(ctx, tenantID)
		},
		false,
	)
	return p
}

// Prepare builds the context for one task. A lookup that finds nothing
// falls back to its default; a lookup that still fails after retries
// aborts the whole preparation.
func (p *Preparer) Prepare(ctx context.Context, task store.Task) (*PreparedContext, error) {
	effective := task.EffectiveProcInstID()
	prepared := &PreparedContext{
		TaskID:     task.ID,
		ProcInstID: effective,
		Form:       store.FreeformFormDef(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		emails, err := p.store.FetchEmailUsersByProcInst(gctx, effective)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to fetch notify emails: %w", err)
		}
		prepared.NotifyEmails = emails
		return nil
	})

	g.Go(func() error {
		if task.TenantID == "" {
			return nil
		}
		mcp, err := p.tenants.Get(gctx, task.TenantID, task.TenantID, tenantMCPCacheTTL)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch tenant tool config: %w", err)
		}
		prepared.TenantMCP = mcp
		return nil
	})

	g.Go(func() error {
		formID := strings.TrimPrefix(task.Tool, formHandlerPrefix)
		if formID == "" {
			return nil
		}
		key := formKey{FormID: formID, TenantID: task.TenantID}
		def, err := p.forms.Get(gctx, formID+"|"+task.TenantID, key, formDefCacheTTL)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch form definition: %w", err)
		}
		prepared.Form = def
		return nil
	})

	g.Go(func() error {
		groups, err := p.store.FetchUsersGrouped(gctx, task.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to fetch participating users: %w", err)
		}
		prepared.Agents = groups.Agents
		prepared.Humans = groups.Humans
		return nil
	})

	g.Go(func() error {
		outputs, err := p.store.FetchDoneData(gctx, effective)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to fetch prior outputs: %w", err)
		}
		prepared.PriorOutputs = outputs
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, &PreparationError{Cause: err}
	}

	if task.Feedback != "" {
		summary, err := p.feedback.SummarizeFeedback(ctx, task.Feedback, task.PriorArtifact())
		if err != nil {
			return nil, &PreparationError{Cause: fmt.Errorf("failed to summarize feedback: %w", err)}
		}
		prepared.FeedbackSummary = summary
	}

	log.Debug(log.CatPrep, "prepared task context",
		"task_id", task.ID, "proc_inst_id", effective,
		"agents", len(prepared.Agents), "humans", len(prepared.Humans))
	return prepared, nil
}

// Extras renders the prepared fields as the extras map exposed through
// the executor's request context.
func (p *PreparedContext) Extras() map[string]any {
	return map[string]any{
		"proc_inst_id":     p.ProcInstID,
		"notify_emails":    p.NotifyEmails,
		"tenant_mcp":       p.TenantMCP,
		"form_id":          p.Form.ID,
		"form_fields":      p.Form.Fields,
		"form_html":        p.Form.HTML,
		"agents":           p.Agents,
		"humans":           p.Humans,
		"prior_outputs":    p.PriorOutputs,
		"feedback_summary": p.FeedbackSummary,
	}
}
