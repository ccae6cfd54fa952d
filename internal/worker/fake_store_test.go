package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/store"
)

// errTransient stands in for a flaky store connection.
var errTransient = errors.New("connection reset")

// fakeStore is an in-memory store.Store with per-call hooks. Zero value
// behaves like an empty store.
type fakeStore struct {
	mu sync.Mutex

	pending []store.Task
	claimed []string

	statuses    []string // FetchStatus responses, last one repeats
	statusCalls int

	formDefs   map[string]store.FormDef
	formDefErr error
	tenantMCP  map[string]map[string]any
	users      map[string]store.User
	emails     map[string]string
	doneData   map[string][]any

	saveResultErrs int // fail this many SaveResult calls first

	savedResults  []savedResult
	bulkBatches   [][]store.EventRecord
	singleEvents  []store.EventRecord
	failedTasks   []string
	notifications [][]store.Notification
}

type savedResult struct {
	todoID  string
	payload any
	final   bool
}

func (f *fakeStore) ClaimPending(_ context.Context, agentOrch, consumer, env string) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.pending {
		if t.AgentOrch != agentOrch {
			continue
		}
		if env != "dev" && t.Env == "dev" {
			continue
		}
		f.pending = append(f.pending[:i], f.pending[i+1:]...)
		t.DraftStatus = store.StatusInProgress
		t.Consumer = consumer
		f.claimed = append(f.claimed, t.ID)
		return t, nil
	}
	return store.Task{}, store.ErrNotFound
}

func (f *fakeStore) FetchDoneData(_ context.Context, procInstID string) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doneData[procInstID], nil
}

func (f *fakeStore) SaveResult(_ context.Context, todoID string, payload any, final bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveResultErrs > 0 {
		f.saveResultErrs--
		return errTransient
	}
	f.savedResults = append(f.savedResults, savedResult{todoID, payload, final})
	return nil
}

func (f *fakeStore) RecordEvent(_ context.Context, rec store.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleEvents = append(f.singleEvents, rec)
	return nil
}

func (f *fakeStore) RecordEventsBulk(_ context.Context, recs []store.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]store.EventRecord, len(recs))
	copy(batch, recs)
	f.bulkBatches = append(f.bulkBatches, batch)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, todoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedTasks = append(f.failedTasks, todoID)
	return nil
}

func (f *fakeStore) FetchStatus(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return store.StatusInProgress, nil
	}
	i := f.statusCalls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.statusCalls++
	return f.statuses[i], nil
}

func (f *fakeStore) FetchHumanResponse(_ context.Context, jobID string) (map[string]any, error) {
	return nil, store.NotFound("human response", jobID)
}

func (f *fakeStore) FetchUsersGrouped(_ context.Context, userIDsCSV string) (store.UserGroups, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var groups store.UserGroups
	for _, id := range store.SplitIDs(userIDsCSV) {
		u, ok := f.users[id]
		if !ok {
			continue
		}
		if u.IsAgent {
			groups.Agents = append(groups.Agents, u)
		} else {
			groups.Humans = append(groups.Humans, u)
		}
	}
	return groups, nil
}

func (f *fakeStore) FetchEmailUsersByProcInst(_ context.Context, procInstID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emails[procInstID], nil
}

func (f *fakeStore) FetchFormDef(_ context.Context, formID, tenantID string) (store.FormDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.formDefErr != nil {
		return store.FormDef{}, f.formDefErr
	}
	def, ok := f.formDefs[formID+"|"+tenantID]
	if !ok {
		return store.FormDef{}, store.NotFound("form def", formID)
	}
	return def, nil
}

func (f *fakeStore) FetchTenantMCP(_ context.Context, tenantID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mcp, ok := f.tenantMCP[tenantID]
	if !ok {
		return nil, store.NotFound("tenant", tenantID)
	}
	return mcp, nil
}

func (f *fakeStore) SaveNotifications(_ context.Context, ns []store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, ns)
	return nil
}

func (f *fakeStore) Close() error { return nil }

// Snapshot helpers for assertions.

func (f *fakeStore) allBulkRecords() []store.EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []store.EventRecord
	for _, b := range f.bulkBatches {
		all = append(all, b...)
	}
	return all
}

func (f *fakeStore) saved() []savedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]savedResult, len(f.savedResults))
	copy(out, f.savedResults)
	return out
}

func (f *fakeStore) errorEvents() []store.EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EventRecord
	for _, e := range f.singleEvents {
		if e.EventType == "error" {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeStore) failed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failedTasks))
	copy(out, f.failedTasks)
	return out
}

// newFastReliable wraps a fake store with a retry policy that never
// really sleeps.
func newFastReliable(raw store.Store) *store.Reliable {
	return store.NewReliable(raw, store.RetryPolicy{
		Retries:   3,
		BaseDelay: time.Nanosecond,
		MaxJitter: 0,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
}
