package state

import (
	"encoding/json"
	"time"
)

// Snapshot is the semantic container for one ingested state file. The
// parser fills the derived fields; the store assigns identity and
// ownership metadata when the snapshot is persisted.
type Snapshot struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Workspace     string    `json:"workspace"`
	BackendType   string    `json:"backend_type"`
	BackendConfig string    `json:"backend_config,omitempty"`
	ImportedAt    time.Time `json:"imported_at"`

	Serial           int64  `json:"serial"`
	TerraformVersion string `json:"terraform_version"`
	Lineage          string `json:"lineage"`
	ResourceCount    int    `json:"resource_count"`
	OutputCount      int    `json:"output_count"`
	SizeBytes        int    `json:"size_bytes"`
	Checksum         string `json:"checksum"`

	// CanonicalJSON is the authoritative on-disk form: the parsed
	// object re-serialized with stably sorted keys.
	CanonicalJSON []byte `json:"-"`

	Resources []ResourceInstance `json:"resources,omitempty"`
	Outputs   []Output           `json:"outputs,omitempty"`
}

// ResourceInstance is one addressable row extracted from a snapshot.
type ResourceInstance struct {
	SnapshotID          string          `json:"snapshot_id,omitempty"`
	Address             string          `json:"address"`
	ModuleAddress       string          `json:"module_address,omitempty"`
	Mode                string          `json:"mode"`
	Type                string          `json:"type"`
	Name                string          `json:"name"`
	Provider            string          `json:"provider,omitempty"`
	IndexKey            *string         `json:"index_key,omitempty"`
	SchemaVersion       int             `json:"schema_version"`
	Attributes          json.RawMessage `json:"attributes,omitempty"`
	SensitiveAttributes []string        `json:"sensitive_attributes,omitempty"`
	Dependencies        []string        `json:"dependencies,omitempty"`
}

// Output is a named output value of a snapshot.
type Output struct {
	SnapshotID string          `json:"snapshot_id,omitempty"`
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Sensitive  bool            `json:"sensitive"`
	TypeHint   string          `json:"type_hint,omitempty"`
}

// ParseError indicates an unparseable state document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "failed to parse state: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }
