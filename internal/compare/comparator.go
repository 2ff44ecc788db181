package compare

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/statehub/statehub/internal/logging"
	"github.com/statehub/statehub/internal/state"
	"github.com/statehub/statehub/internal/store"
)

// RedactedValue replaces sensitive variable values before they enter
// a comparison or its persisted record.
const RedactedValue = "***REDACTED***"

// Severity ranks a difference.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category names the comparison dimension a difference came from.
type Category string

const (
	CategoryVariable Category = "variable"
	CategoryState    Category = "state"
	CategoryConfig   Category = "config"
)

// Comparison types accepted in a request.
const (
	TypeVariables = "variables"
	TypeState     = "state"
	TypeConfig    = "config"
)

// UnknownTypeError reports a comparison type outside the accepted set.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string { return "unknown comparison type: " + e.Type }

// Difference is one recorded divergence between two workspaces.
type Difference struct {
	Category Category `json:"category"`
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Left     string   `json:"left,omitempty"`
	Right    string   `json:"right,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Request selects what to compare. An empty Types set compares
// everything. InfoKeys downgrades the named variable keys to info
// severity.
type Request struct {
	LeftWorkspaceID  string   `json:"left_workspace_id"`
	RightWorkspaceID string   `json:"right_workspace_id"`
	Types            []string `json:"types,omitempty"`
	InfoKeys         []string `json:"info_keys,omitempty"`
}

// Result is a completed comparison run.
type Result struct {
	ID              string           `json:"id"`
	LeftWorkspace   *store.Workspace `json:"left_workspace"`
	RightWorkspace  *store.Workspace `json:"right_workspace"`
	Types           []string         `json:"types"`
	DifferenceCount int              `json:"difference_count"`
	Differences     []Difference     `json:"differences"`
}

// Comparator diffs two workspaces across variables, state metadata,
// and resource sets.
type Comparator struct {
	store  *store.Store
	logger zerolog.Logger
}

// New creates a comparator over the shared store.
func New(st *store.Store) *Comparator {
	return &Comparator{store: st, logger: logging.WithComponent("compare")}
}

// Compare runs the requested comparison and persists the result.
func (c *Comparator) Compare(ctx context.Context, req Request) (*Result, error) {
	left, err := c.store.GetWorkspace(ctx, req.LeftWorkspaceID)
	if err != nil {
		return nil, err
	}
	right, err := c.store.GetWorkspace(ctx, req.RightWorkspaceID)
	if err != nil {
		return nil, err
	}

	types := req.Types
	if len(types) == 0 {
		types = []string{TypeVariables, TypeState, TypeConfig}
	}

	differences := []Difference{}
	for _, t := range types {
		switch t {
		case TypeVariables:
			diffs, err := c.compareVariables(ctx, left, right, req.InfoKeys)
			if err != nil {
				return nil, err
			}
			differences = append(differences, diffs...)
		case TypeState:
			diffs, err := c.compareResourceSets(ctx, left, right)
			if err != nil {
				return nil, err
			}
			differences = append(differences, diffs...)
		case TypeConfig:
			diffs, err := c.compareStateMetadata(ctx, left, right)
			if err != nil {
				return nil, err
			}
			differences = append(differences, diffs...)
		default:
			return nil, &UnknownTypeError{Type: t}
		}
	}
	sortDifferences(differences)

	result := &Result{
		LeftWorkspace:   left,
		RightWorkspace:  right,
		Types:           types,
		DifferenceCount: len(differences),
		Differences:     differences,
	}

	payload, err := json.Marshal(differences)
	if err != nil {
		return nil, err
	}
	record := &store.ComparisonRecord{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		ComparisonTypes:  types,
		DifferenceCount:  len(differences),
		Differences:      payload,
	}
	if err := c.store.SaveComparison(ctx, record); err != nil {
		return nil, err
	}
	result.ID = record.ID

	c.logger.Info().
		Str("left", left.ID).
		Str("right", right.ID).
		Int("differences", len(differences)).
		Msg("workspace comparison completed")
	return result, nil
}

// compareVariables walks the union of variable keys. Sensitive values
// never leave the store unredacted, and a sensitive pair is always a
// recorded difference even when the redacted forms look equal.
func (c *Comparator) compareVariables(ctx context.Context, left, right *store.Workspace, infoKeys []string) ([]Difference, error) {
	leftVars, err := c.store.WorkspaceVariables(ctx, left.ID)
	if err != nil {
		return nil, err
	}
	rightVars, err := c.store.WorkspaceVariables(ctx, right.ID)
	if err != nil {
		return nil, err
	}

	leftByKey := variableMap(leftVars)
	rightByKey := variableMap(rightVars)
	info := make(map[string]bool, len(infoKeys))
	for _, k := range infoKeys {
		info[k] = true
	}

	differences := []Difference{}
	for _, key := range unionKeys(leftByKey, rightByKey) {
		lv, lok := leftByKey[key]
		rv, rok := rightByKey[key]
		sensitive := (lok && lv.Sensitive) || (rok && rv.Sensitive)

		leftValue := displayValue(lv, lok, sensitive)
		rightValue := displayValue(rv, rok, sensitive)
		if leftValue == rightValue && !sensitive {
			continue
		}

		differences = append(differences, Difference{
			Category: CategoryVariable,
			Field:    key,
			Severity: variableSeverity(key, info),
			Left:     leftValue,
			Right:    rightValue,
		})
	}
	return differences, nil
}

func variableSeverity(key string, info map[string]bool) Severity {
	if info[key] {
		return SeverityInfo
	}
	lower := strings.ToLower(key)
	if strings.Contains(lower, "secret") || strings.Contains(lower, "password") {
		return SeverityCritical
	}
	return SeverityWarning
}

// metadataFields maps compared snapshot fields to their severity.
var metadataFields = []struct {
	name     string
	severity Severity
}{
	{"backend_type", SeverityCritical},
	{"terraform_version", SeverityWarning},
	{"lineage", SeverityWarning},
	{"serial", SeverityInfo},
}

// compareStateMetadata diffs the latest snapshots field by field. A
// workspace with no snapshot yields a single presence difference
// instead of per-field noise.
func (c *Comparator) compareStateMetadata(ctx context.Context, left, right *store.Workspace) ([]Difference, error) {
	leftSnap, err := c.store.LatestSnapshot(ctx, left.ProjectID, left.Name)
	if err != nil {
		return nil, err
	}
	rightSnap, err := c.store.LatestSnapshot(ctx, right.ProjectID, right.Name)
	if err != nil {
		return nil, err
	}
	if leftSnap == nil && rightSnap == nil {
		return nil, nil
	}
	if leftSnap == nil || rightSnap == nil {
		return []Difference{{
			Category: CategoryConfig,
			Field:    "snapshot",
			Severity: SeverityWarning,
			Left:     presence(leftSnap != nil),
			Right:    presence(rightSnap != nil),
		}}, nil
	}

	leftFields := snapshotFields(leftSnap)
	rightFields := snapshotFields(rightSnap)
	differences := []Difference{}
	for _, f := range metadataFields {
		if leftFields[f.name] != rightFields[f.name] {
			differences = append(differences, Difference{
				Category: CategoryConfig,
				Field:    f.name,
				Severity: f.severity,
				Left:     leftFields[f.name],
				Right:    rightFields[f.name],
			})
		}
	}
	return differences, nil
}

// compareResourceSets reports the symmetric difference of the latest
// snapshots' address sets.
func (c *Comparator) compareResourceSets(ctx context.Context, left, right *store.Workspace) ([]Difference, error) {
	leftAddrs, err := c.latestAddresses(ctx, left)
	if err != nil {
		return nil, err
	}
	rightAddrs, err := c.latestAddresses(ctx, right)
	if err != nil {
		return nil, err
	}

	differences := []Difference{}
	for addr := range leftAddrs {
		if !rightAddrs[addr] {
			differences = append(differences, Difference{
				Category: CategoryState,
				Field:    addr,
				Severity: SeverityWarning,
				Left:     "present",
				Right:    "absent",
			})
		}
	}
	for addr := range rightAddrs {
		if !leftAddrs[addr] {
			differences = append(differences, Difference{
				Category: CategoryState,
				Field:    addr,
				Severity: SeverityWarning,
				Left:     "absent",
				Right:    "present",
			})
		}
	}
	return differences, nil
}

func (c *Comparator) latestAddresses(ctx context.Context, ws *store.Workspace) (map[string]bool, error) {
	snap, err := c.store.LatestSnapshot(ctx, ws.ProjectID, ws.Name)
	if err != nil {
		return nil, err
	}
	addresses := map[string]bool{}
	if snap == nil {
		return addresses, nil
	}
	list, err := c.store.ResourceAddresses(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	for _, addr := range list {
		addresses[addr] = true
	}
	return addresses, nil
}

func variableMap(vars []store.WorkspaceVariable) map[string]store.WorkspaceVariable {
	m := make(map[string]store.WorkspaceVariable, len(vars))
	for _, v := range vars {
		m[v.Key] = v
	}
	return m
}

func unionKeys(a, b map[string]store.WorkspaceVariable) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func displayValue(v store.WorkspaceVariable, present, sensitive bool) string {
	if !present {
		return "<unset>"
	}
	if sensitive {
		return RedactedValue
	}
	return v.Value
}

func presence(present bool) string {
	if present {
		return "present"
	}
	return "absent"
}

func snapshotFields(snap *state.Snapshot) map[string]string {
	return map[string]string{
		"backend_type":      snap.BackendType,
		"terraform_version": snap.TerraformVersion,
		"lineage":           snap.Lineage,
		"serial":            strconv.FormatInt(snap.Serial, 10),
	}
}

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityInfo:     2,
}

func sortDifferences(diffs []Difference) {
	sort.Slice(diffs, func(i, j int) bool {
		if severityRank[diffs[i].Severity] != severityRank[diffs[j].Severity] {
			return severityRank[diffs[i].Severity] < severityRank[diffs[j].Severity]
		}
		return diffs[i].Field < diffs[j].Field
	})
}
