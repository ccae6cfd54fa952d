// Package humanquery lets an executor pause a task and ask a human a
// question. The question is persisted as an event, the affected users
// are notified, and the caller blocks until an answer row shows up.
package humanquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/store"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 30 * time.Minute
)

// ErrTimeout is returned when no human answer arrives in time.
var ErrTimeout = errors.New("timed out waiting for human response")

// Asker persists a question and waits for the matching response event.
type Asker struct {
	store        store.Store
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures an Asker.
type Option func(*Asker)

func WithPollInterval(d time.Duration) Option {
	return func(a *Asker) { a.pollInterval = d }
}

func WithTimeout(d time.Duration) Option {
	return func(a *Asker) { a.timeout = d }
}

func NewAsker(st store.Store, opts ...Option) *Asker {
	a := &Asker{
		store:        st,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ask records the question, notifies the given users, and polls for an
// answer keyed by jobID. It returns the answer payload or ErrTimeout.
func (a *Asker) Ask(ctx context.Context, task store.Task, jobID, question string, users []store.User) (map[string]any, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	rec := store.EventRecord{
		ID:         uuid.NewString(),
		JobID:      jobID,
		TodoID:     task.ID,
		ProcInstID: task.ProcInstID,
		CrewType:   task.AgentOrch,
		EventType:  "human_asked",
		Data:       map[string]any{"question": question},
		Status:     store.StatusInProgress,
	}
	if err := a.store.RecordEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record question: %w", err)
	}

	if len(users) > 0 {
		ns := make([]store.Notification, 0, len(users))
		for _, u := range users {
			ns = append(ns, store.Notification{
				ID:          uuid.NewString(),
				UserID:      u.ID,
				TenantID:    task.TenantID,
				Title:       task.ActivityName,
				Description: question,
				Type:        "human_asked",
			})
		}
		if err := a.store.SaveNotifications(ctx, ns); err != nil {
			log.Warn(log.CatHuman, "failed to save notifications", "job_id", jobID, "error", err)
		}
	}

	return a.waitForResponse(ctx, jobID)
}

func (a *Asker) waitForResponse(ctx context.Context, jobID string) (map[string]any, error) {
	deadline := time.NewTimer(a.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := a.store.FetchHumanResponse(ctx, jobID)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn(log.CatHuman, "response lookup failed", "job_id", jobID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
