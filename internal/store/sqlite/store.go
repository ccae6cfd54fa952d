package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/internal/store"
)

const taskColumns = `id, proc_inst_id, root_proc_inst_id, tenant_id, activity_name,
	description, tool, user_id, agent_orch, query, feedback, output, draft,
	draft_status, consumer, env`

// Store implements store.Store over a SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenStore opens the database at path, migrates it, and returns a Store.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ClaimPending claims the oldest pending task for the pool in a single
// conditional update, so concurrent claimers cannot take the same row.
// Dev-only rows are invisible to prod claims.
func (s *Store) ClaimPending(ctx context.Context, agentOrch, consumer, env string) (store.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE todolist
		SET draft_status = ?, consumer = ?, started_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM todolist
			WHERE draft_status = ? AND agent_orch = ? AND (? = 'dev' OR env <> 'dev')
			ORDER BY created_at, id
			LIMIT 1
		) AND draft_status = ?
		RETURNING `+taskColumns,
		store.StatusInProgress, consumer,
		store.StatusPending, agentOrch, env,
		store.StatusPending,
	)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, store.NotFound("pending task", agentOrch)
	}
	if err != nil {
		return store.Task{}, fmt.Errorf("failed to claim pending task: %w", err)
	}
	return task, nil
}

// FetchDoneData returns the outputs of completed tasks for a process,
// oldest first.
func (s *Store) FetchDoneData(ctx context.Context, procInstID string) ([]any, error) {
	if procInstID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT output FROM todolist
		WHERE proc_inst_id = ? AND draft_status = ? AND output IS NOT NULL
		ORDER BY completed_at, id`,
		procInstID, store.StatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch done data: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outputs []any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan done data: %w", err)
		}
		if store.NormalizeEmptyJSON(raw) == "" {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		outputs = append(outputs, value)
	}
	return outputs, rows.Err()
}

// SaveResult persists an artifact payload. Intermediate saves update the
// draft; a final save writes the output and completes the task. The final
// update is idempotent per task id.
func (s *Store) SaveResult(ctx context.Context, todoID string, payload any, final bool) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode result payload: %w", err)
	}

	if final {
		_, err = s.db.ExecContext(ctx, `
			UPDATE todolist
			SET output = ?, draft_status = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			data, store.StatusCompleted, todoID,
		)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE todolist SET draft = ? WHERE id = ?`, data, todoID)
	}
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

// RecordEvent writes a single event record.
func (s *Store) RecordEvent(ctx context.Context, rec store.EventRecord) error {
	return s.insertEvents(ctx, s.db, []store.EventRecord{rec})
}

// RecordEventsBulk writes a batch of event records in one transaction.
func (s *Store) RecordEventsBulk(ctx context.Context, recs []store.EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bulk event write: %w", err)
	}
	if err := s.insertEvents(ctx, tx, recs); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk event write: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEvents(ctx context.Context, ex execer, recs []store.EventRecord) error {
	for _, rec := range recs {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		// Empty status is persisted as NULL
		status := sql.NullString{String: rec.Status, Valid: rec.Status != ""}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO events (id, job_id, todo_id, proc_inst_id, crew_type, event_type, data, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.JobID, rec.TodoID, rec.ProcInstID, rec.CrewType, rec.EventType, string(data), status,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return nil
}

// MarkFailed sets draft_status=FAILED and releases the consumer.
func (s *Store) MarkFailed(ctx context.Context, todoID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE todolist SET draft_status = ?, consumer = NULL WHERE id = ?`,
		store.StatusFailed, todoID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// FetchStatus returns the task's draft_status.
func (s *Store) FetchStatus(ctx context.Context, todoID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT draft_status FROM todolist WHERE id = ?`, todoID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NotFound("task", todoID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch task status: %w", err)
	}
	return status, nil
}

// FetchHumanResponse returns the first human_response event for a job id.
func (s *Store) FetchHumanResponse(ctx context.Context, jobID string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, todo_id, proc_inst_id, crew_type, event_type, data, status
		FROM events
		WHERE job_id = ? AND event_type = 'human_response'
		ORDER BY created_at, id
		LIMIT 1`, jobID,
	)

	var (
		id, job, todo      string
		procInst, crewType sql.NullString
		eventType, data    string
		status             sql.NullString
	)
	err := row.Scan(&id, &job, &todo, &procInst, &crewType, &eventType, &data, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("human response", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch human response: %w", err)
	}

	var payload any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		payload = data
	}
	return map[string]any{
		"id":           id,
		"job_id":       job,
		"todo_id":      todo,
		"proc_inst_id": procInst.String,
		"crew_type":    crewType.String,
		"event_type":   eventType,
		"data":         payload,
		"status":       status.String,
	}, nil
}

// FetchUsersGrouped resolves a comma-separated user id list into agents
// and humans. Unknown ids are skipped.
func (s *Store) FetchUsersGrouped(ctx context.Context, userIDsCSV string) (store.UserGroups, error) {
	ids := store.SplitIDs(userIDsCSV)
	if len(ids) == 0 {
		return store.UserGroups{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, role, goal, persona, tools, profile, model, tenant_id, is_agent
		FROM users WHERE id IN (`+placeholders+`) ORDER BY username, id`, args...)
	if err != nil {
		return store.UserGroups{}, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups store.UserGroups
	for rows.Next() {
		var u store.User
		var tenantID sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.Goal, &u.Persona,
			&u.Tools, &u.Profile, &u.Model, &tenantID, &u.IsAgent); err != nil {
			return store.UserGroups{}, fmt.Errorf("failed to scan user: %w", err)
		}
		u.TenantID = tenantID.String
		if u.IsAgent {
			groups.Agents = append(groups.Agents, u)
		} else {
			groups.Humans = append(groups.Humans, u)
		}
	}
	return groups, rows.Err()
}

// FetchEmailUsersByProcInst collects the user ids of every task in the
// process, keeps the human ones, and returns their emails as a CSV.
func (s *Store) FetchEmailUsersByProcInst(ctx context.Context, procInstID string) (string, error) {
	if procInstID == "" {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM todolist WHERE proc_inst_id = ?`, procInstID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch process participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	var ids []string
	for rows.Next() {
		var csv string
		if err := rows.Scan(&csv); err != nil {
			return "", fmt.Errorf("failed to scan participant ids: %w", err)
		}
		for _, id := range store.SplitIDs(csv) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	emailRows, err := s.db.QueryContext(ctx, `
		SELECT email FROM users
		WHERE id IN (`+placeholders+`) AND is_agent = 0 AND email <> ''
		ORDER BY email`, args...)
	if err != nil {
		return "", fmt.Errorf("failed to fetch participant emails: %w", err)
	}
	defer func() { _ = emailRows.Close() }()

	var emails []string
	for emailRows.Next() {
		var email string
		if err := emailRows.Scan(&email); err != nil {
			return "", fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, email)
	}
	return strings.Join(emails, ","), emailRows.Err()
}

// FetchFormDef returns the form definition for an id within a tenant.
func (s *Store) FetchFormDef(ctx context.Context, formID, tenantID string) (store.FormDef, error) {
	var fieldsJSON, html sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT fields_json, html FROM form_def WHERE id = ? AND tenant_id = ?`,
		formID, tenantID,
	).Scan(&fieldsJSON, &html)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FormDef{}, store.NotFound("form definition", formID)
	}
	if err != nil {
		return store.FormDef{}, fmt.Errorf("failed to fetch form definition: %w", err)
	}

	def := store.FormDef{ID: formID, HTML: html.String}
	if fieldsJSON.Valid && store.NormalizeEmptyJSON(fieldsJSON.String) != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &def.Fields); err != nil {
			return store.FormDef{}, fmt.Errorf("failed to decode form fields: %w", err)
		}
	}
	return def, nil
}

// FetchTenantMCP returns the tenant's tool configuration.
func (s *Store) FetchTenantMCP(ctx context.Context, tenantID string) (map[string]any, error) {
	var mcp sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT mcp FROM tenants WHERE id = ?`, tenantID).Scan(&mcp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("tenant", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant config: %w", err)
	}
	if !mcp.Valid || store.NormalizeEmptyJSON(mcp.String) == "" {
		return nil, store.NotFound("tenant config", tenantID)
	}

	var config map[string]any
	if err := json.Unmarshal([]byte(mcp.String), &config); err != nil {
		return nil, fmt.Errorf("failed to decode tenant config: %w", err)
	}
	return config, nil
}

// SaveNotifications inserts notification rows. Missing ids are generated.
func (s *Store) SaveNotifications(ctx context.Context, ns []store.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin notification write: %w", err)
	}
	for _, n := range ns {
		id := n.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, tenant_id, title, description, type, url, from_user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, n.UserID, n.TenantID, n.Title, n.Description, n.Type, n.URL, n.FromUserID,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notifications: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (store.Task, error) {
	var t store.Task
	var procInst, rootProcInst, tenantID, feedback, output, draft, consumer sql.NullString
	err := row.Scan(
		&t.ID, &procInst, &rootProcInst, &tenantID, &t.ActivityName,
		&t.Description, &t.Tool, &t.UserID, &t.AgentOrch, &t.Query,
		&feedback, &output, &draft, &t.DraftStatus, &consumer, &t.Env,
	)
	if err != nil {
		return store.Task{}, err
	}
	t.ProcInstID = procInst.String
	t.RootProcInstID = rootProcInst.String
	t.TenantID = tenantID.String
	// Empty JSON containers are normalized to absent at fetch time
	t.Feedback = store.NormalizeEmptyJSON(feedback.String)
	t.Output = store.NormalizeEmptyJSON(output.String)
	t.Draft = store.NormalizeEmptyJSON(draft.String)
	t.Consumer = consumer.String
	return t, nil
}

func marshalPayload(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
