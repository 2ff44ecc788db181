package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/statehub/statehub/internal/state"
)

// Workspace is a named variable/state grouping inside a project.
type Workspace struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkspaceVariable is one key/value pair bound to a workspace.
type WorkspaceVariable struct {
	WorkspaceID string `json:"workspace_id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	Sensitive   bool   `json:"sensitive"`
}

// Plan is a stored `terraform show -json` document.
type Plan struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Workspace   string          `json:"workspace"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WorkspaceExistsError indicates a duplicate workspace name within a
// project.
type WorkspaceExistsError struct {
	ProjectID string
	Name      string
}

func (e *WorkspaceExistsError) Error() string {
	return fmt.Sprintf("workspace already exists: %s/%s", e.ProjectID, e.Name)
}

// WorkspaceNotFoundError indicates an unknown workspace id.
type WorkspaceNotFoundError struct {
	ID string
}

func (e *WorkspaceNotFoundError) Error() string { return "workspace not found: " + e.ID }

// PlanNotFoundError indicates an unknown plan id.
type PlanNotFoundError struct {
	ID string
}

func (e *PlanNotFoundError) Error() string { return "plan not found: " + e.ID }

// CreateWorkspace inserts a workspace, unique per (project, name).
func (s *Store) CreateWorkspace(ctx context.Context, projectID, name, description string) (*Workspace, error) {
	ws := &Workspace{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, project_id, name, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.ProjectID, ws.Name, ws.Description, ws.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, &WorkspaceExistsError{ProjectID: projectID, Name: name}
		}
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns a project's workspaces ordered by name.
func (s *Store) ListWorkspaces(ctx context.Context, projectID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, created_at
		FROM workspaces WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workspaces := []Workspace{}
	for rows.Next() {
		var ws Workspace
		var description sql.NullString
		if err := rows.Scan(&ws.ID, &ws.ProjectID, &ws.Name, &description, &ws.CreatedAt); err != nil {
			return nil, err
		}
		ws.Description = description.String
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// GetWorkspace loads a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, created_at
		FROM workspaces WHERE id = ?`, id).
		Scan(&ws.ID, &ws.ProjectID, &ws.Name, &description, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &WorkspaceNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	ws.Description = description.String
	return &ws, nil
}

// DeleteWorkspace removes a workspace; its variables cascade.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &WorkspaceNotFoundError{ID: id}
	}
	return nil
}

// SetWorkspaceVariable upserts one variable.
func (s *Store) SetWorkspaceVariable(ctx context.Context, workspaceID, key, value string, sensitive bool) error {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_variables (workspace_id, key, value, sensitive)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, key) DO UPDATE SET value = excluded.value, sensitive = excluded.sensitive`,
		workspaceID, key, value, sensitive)
	return err
}

// WorkspaceVariables returns a workspace's variables ordered by key.
func (s *Store) WorkspaceVariables(ctx context.Context, workspaceID string) ([]WorkspaceVariable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, key, value, sensitive
		FROM workspace_variables WHERE workspace_id = ? ORDER BY key`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variables := []WorkspaceVariable{}
	for rows.Next() {
		var v WorkspaceVariable
		var value sql.NullString
		if err := rows.Scan(&v.WorkspaceID, &v.Key, &value, &v.Sensitive); err != nil {
			return nil, err
		}
		v.Value = value.String
		variables = append(variables, v)
	}
	return variables, rows.Err()
}

// DeleteWorkspaceVariable removes one variable by key.
func (s *Store) DeleteWorkspaceVariable(ctx context.Context, workspaceID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM workspace_variables WHERE workspace_id = ? AND key = ?", workspaceID, key)
	return err
}

// SavePlan stores a plan document.
func (s *Store) SavePlan(ctx context.Context, p *Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Workspace == "" {
		p.Workspace = "default"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terraform_plans (id, project_id, workspace, description, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Workspace, p.Description, string(p.Payload), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// ListPlans returns plan metadata for a project, newest first. The
// payload is elided.
func (s *Store) ListPlans(ctx context.Context, projectID string) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, workspace, description, created_at
		FROM terraform_plans WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := []Plan{}
	for rows.Next() {
		var p Plan
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Workspace, &description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlan loads a plan including its payload.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	var description sql.NullString
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, workspace, description, payload, created_at
		FROM terraform_plans WHERE id = ?`, id).
		Scan(&p.ID, &p.ProjectID, &p.Workspace, &description, &payload, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &PlanNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	p.Payload = json.RawMessage(payload)
	return &p, nil
}

// DeletePlan removes a stored plan.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM terraform_plans WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &PlanNotFoundError{ID: id}
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of a project workspace,
// or nil when none has been imported.
func (s *Store) LatestSnapshot(ctx context.Context, projectID, workspace string) (*state.Snapshot, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM terraform_states
		WHERE project_id = ? AND workspace = ?
		ORDER BY imported_at DESC LIMIT 1`, projectID, workspace).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetSnapshot(ctx, id, false)
}

// ResourceAddresses returns every instance address of a snapshot,
// sorted.
func (s *Store) ResourceAddresses(ctx context.Context, snapshotID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM terraform_state_resources
		WHERE state_id = ? ORDER BY address`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	addresses := []string{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// ComparisonRecord is one persisted workspace comparison run.
type ComparisonRecord struct {
	ID               string          `json:"id"`
	LeftWorkspaceID  string          `json:"left_workspace_id"`
	RightWorkspaceID string          `json:"right_workspace_id"`
	ComparisonTypes  []string        `json:"comparison_types"`
	DifferenceCount  int             `json:"difference_count"`
	Differences      json.RawMessage `json:"differences,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SaveComparison persists a comparison run.
func (s *Store) SaveComparison(ctx context.Context, rec *ComparisonRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	types, _ := json.Marshal(rec.ComparisonTypes)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_comparisons
			(id, left_workspace_id, right_workspace_id, comparison_types,
			 difference_count, differences, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LeftWorkspaceID, rec.RightWorkspaceID, string(types),
		rec.DifferenceCount, string(rec.Differences), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save comparison: %w", err)
	}
	return nil
}
