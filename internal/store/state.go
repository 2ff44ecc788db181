package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/statehub/statehub/internal/state"
)

// SaveSnapshot persists a parsed snapshot together with all derived
// rows in a single transaction. The stored checksum is recomputed
// over the canonical JSON, which is the authoritative payload.
func (s *Store) SaveSnapshot(ctx context.Context, snap *state.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.ImportedAt.IsZero() {
		snap.ImportedAt = time.Now().UTC()
	}
	snap.Checksum = state.Checksum(snap.CanonicalJSON)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO terraform_states
			(id, project_id, workspace, backend_type, backend_config, serial,
			 terraform_version, lineage, resource_count, output_count,
			 size_bytes, checksum, canonical_json, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ProjectID, snap.Workspace, snap.BackendType,
		snap.BackendConfig, snap.Serial, snap.TerraformVersion, snap.Lineage,
		snap.ResourceCount, snap.OutputCount, snap.SizeBytes, snap.Checksum,
		string(snap.CanonicalJSON), snap.ImportedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if err := insertChildren(ctx, tx, snap); err != nil {
		return err
	}
	return tx.Commit()
}

func insertChildren(ctx context.Context, tx *sql.Tx, snap *state.Snapshot) error {
	for _, r := range snap.Resources {
		var indexKey any
		if r.IndexKey != nil {
			indexKey = *r.IndexKey
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO terraform_state_resources
				(state_id, address, module_address, mode, type, name, provider,
				 index_key, schema_version, attributes, sensitive_attributes, dependencies)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, r.Address, r.ModuleAddress, r.Mode, r.Type, r.Name,
			r.Provider, indexKey, r.SchemaVersion, string(r.Attributes),
			marshalStrings(r.SensitiveAttributes), marshalStrings(r.Dependencies))
		if err != nil {
			return fmt.Errorf("failed to insert resource %s: %w", r.Address, err)
		}
	}
	for _, o := range snap.Outputs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO terraform_state_outputs (state_id, name, value, sensitive, type_hint)
			VALUES (?, ?, ?, ?, ?)`,
			snap.ID, o.Name, string(o.Value), o.Sensitive, o.TypeHint)
		if err != nil {
			return fmt.Errorf("failed to insert output %s: %w", o.Name, err)
		}
	}
	return nil
}

// ListSnapshots returns snapshot metadata for a project, newest
// import first. workspace narrows the listing when non-empty.
func (s *Store) ListSnapshots(ctx context.Context, projectID, workspace string) ([]state.Snapshot, error) {
	query := `
		SELECT id, project_id, workspace, backend_type, serial,
		       terraform_version, lineage, resource_count, output_count,
		       size_bytes, checksum, imported_at
		FROM terraform_states WHERE project_id = ?`
	args := []any{projectID}
	if workspace != "" {
		query += " AND workspace = ?"
		args = append(args, workspace)
	}
	query += " ORDER BY imported_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []state.Snapshot{}
	for rows.Next() {
		var snap state.Snapshot
		var backendType, tfVersion, lineage sql.NullString
		if err := rows.Scan(&snap.ID, &snap.ProjectID, &snap.Workspace,
			&backendType, &snap.Serial, &tfVersion, &lineage,
			&snap.ResourceCount, &snap.OutputCount, &snap.SizeBytes,
			&snap.Checksum, &snap.ImportedAt); err != nil {
			return nil, err
		}
		snap.BackendType = backendType.String
		snap.TerraformVersion = tfVersion.String
		snap.Lineage = lineage.String
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// GetSnapshot loads snapshot metadata; the canonical payload is
// attached only when includePayload is set.
func (s *Store) GetSnapshot(ctx context.Context, id string, includePayload bool) (*state.Snapshot, error) {
	var snap state.Snapshot
	var backendType, backendConfig, tfVersion, lineage sql.NullString
	var canonical string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, workspace, backend_type, backend_config, serial,
		       terraform_version, lineage, resource_count, output_count,
		       size_bytes, checksum, canonical_json, imported_at
		FROM terraform_states WHERE id = ?`, id).
		Scan(&snap.ID, &snap.ProjectID, &snap.Workspace, &backendType,
			&backendConfig, &snap.Serial, &tfVersion, &lineage,
			&snap.ResourceCount, &snap.OutputCount, &snap.SizeBytes,
			&snap.Checksum, &canonical, &snap.ImportedAt)
	if err == sql.ErrNoRows {
		return nil, &StateNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}

	snap.BackendType = backendType.String
	snap.BackendConfig = backendConfig.String
	snap.TerraformVersion = tfVersion.String
	snap.Lineage = lineage.String
	if includePayload {
		snap.CanonicalJSON = []byte(canonical)
	}
	return &snap, nil
}

// Resources pages through a snapshot's instances ordered by address,
// which keeps pagination deterministic.
func (s *Store) Resources(ctx context.Context, id string, limit, offset int) ([]state.ResourceInstance, error) {
	if _, err := s.GetSnapshot(ctx, id, false); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, module_address, mode, type, name, provider, index_key,
		       schema_version, attributes, sensitive_attributes, dependencies
		FROM terraform_state_resources
		WHERE state_id = ? ORDER BY address LIMIT ? OFFSET ?`, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resources := []state.ResourceInstance{}
	for rows.Next() {
		var r state.ResourceInstance
		var moduleAddr, provider, indexKey, attrs, sensitive, deps sql.NullString
		if err := rows.Scan(&r.Address, &moduleAddr, &r.Mode, &r.Type, &r.Name,
			&provider, &indexKey, &r.SchemaVersion, &attrs, &sensitive, &deps); err != nil {
			return nil, err
		}
		r.SnapshotID = id
		r.ModuleAddress = moduleAddr.String
		r.Provider = provider.String
		if indexKey.Valid {
			k := indexKey.String
			r.IndexKey = &k
		}
		if attrs.Valid {
			r.Attributes = json.RawMessage(attrs.String)
		}
		r.SensitiveAttributes = unmarshalStrings(sensitive.String)
		r.Dependencies = unmarshalStrings(deps.String)
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// Outputs returns a snapshot's outputs ordered by name.
func (s *Store) Outputs(ctx context.Context, id string) ([]state.Output, error) {
	if _, err := s.GetSnapshot(ctx, id, false); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, sensitive, type_hint
		FROM terraform_state_outputs WHERE state_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outputs := []state.Output{}
	for rows.Next() {
		var o state.Output
		var value, typeHint sql.NullString
		if err := rows.Scan(&o.Name, &value, &o.Sensitive, &typeHint); err != nil {
			return nil, err
		}
		o.SnapshotID = id
		if value.Valid {
			o.Value = json.RawMessage(value.String)
		}
		o.TypeHint = typeHint.String
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// Export returns the canonical JSON payload of a snapshot.
func (s *Store) Export(ctx context.Context, id string) ([]byte, error) {
	snap, err := s.GetSnapshot(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return snap.CanonicalJSON, nil
}

// RemoveAddresses deletes the targeted instances from a snapshot and
// rebuilds every derived row from a re-parse of the mutated payload.
func (s *Store) RemoveAddresses(ctx context.Context, id string, addresses []string) (*state.Snapshot, error) {
	return s.mutate(ctx, id, func(raw []byte) ([]byte, error) {
		return state.RemoveAddresses(raw, addresses)
	})
}

// MoveAddress renames a resource address within a snapshot.
func (s *Store) MoveAddress(ctx context.Context, id, source, destination string) (*state.Snapshot, error) {
	return s.mutate(ctx, id, func(raw []byte) ([]byte, error) {
		return state.MoveAddress(raw, source, destination)
	})
}

// mutate applies fn to the snapshot's canonical payload, re-parses
// the result, and swaps the snapshot row plus all children in one
// transaction. The update is guarded by the previously read checksum;
// a concurrent writer makes the guard miss and the mutation fails
// instead of silently clobbering.
func (s *Store) mutate(ctx context.Context, id string, fn func([]byte) ([]byte, error)) (*state.Snapshot, error) {
	prior, err := s.GetSnapshot(ctx, id, true)
	if err != nil {
		return nil, err
	}

	mutated, err := fn(prior.CanonicalJSON)
	if err != nil {
		return nil, err
	}

	snap, err := state.Parse(mutated, prior.BackendType)
	if err != nil {
		return nil, err
	}
	snap.ID = prior.ID
	snap.ProjectID = prior.ProjectID
	snap.Workspace = prior.Workspace
	snap.BackendConfig = prior.BackendConfig
	snap.ImportedAt = prior.ImportedAt
	snap.Checksum = state.Checksum(snap.CanonicalJSON)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE terraform_states
		SET serial = ?, terraform_version = ?, lineage = ?, resource_count = ?,
		    output_count = ?, size_bytes = ?, checksum = ?, canonical_json = ?
		WHERE id = ? AND checksum = ?`,
		snap.Serial, snap.TerraformVersion, snap.Lineage, snap.ResourceCount,
		snap.OutputCount, snap.SizeBytes, snap.Checksum,
		string(snap.CanonicalJSON), id, prior.Checksum)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &state.MutationError{Reason: "snapshot changed"}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM terraform_state_resources WHERE state_id = ?", id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM terraform_state_outputs WHERE state_id = ?", id); err != nil {
		return nil, err
	}
	if err := insertChildren(ctx, tx, snap); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return snap, nil
}

// DriftDetection is a persisted drift analysis result.
type DriftDetection struct {
	ID                 string          `json:"id"`
	ProjectID          string          `json:"project_id"`
	SnapshotID         string          `json:"snapshot_id,omitempty"`
	Workspace          string          `json:"workspace"`
	Method             string          `json:"method"`
	ResourcesAdded     int             `json:"resources_added"`
	ResourcesModified  int             `json:"resources_modified"`
	ResourcesDestroyed int             `json:"resources_destroyed"`
	TotalDrifted       int             `json:"total_drifted"`
	Details            json.RawMessage `json:"details,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// RecordDrift persists a drift detection. total_drifted is derived
// from the three action counts.
func (s *Store) RecordDrift(ctx context.Context, d *DriftDetection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.TotalDrifted = d.ResourcesAdded + d.ResourcesModified + d.ResourcesDestroyed

	var snapshotID any
	if d.SnapshotID != "" {
		snapshotID = d.SnapshotID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drift_detections
			(id, project_id, snapshot_id, workspace, method, resources_added,
			 resources_modified, resources_destroyed, total_drifted, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, snapshotID, d.Workspace, d.Method,
		d.ResourcesAdded, d.ResourcesModified, d.ResourcesDestroyed,
		d.TotalDrifted, string(d.Details), d.CreatedAt)
	return err
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(values)
	return string(raw)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
