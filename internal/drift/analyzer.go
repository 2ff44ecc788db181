package drift

import (
	"encoding/json"
	"sort"

	tfjson "github.com/hashicorp/terraform-json"

	"github.com/statehub/statehub/internal/state"
)

// maxDetailAddresses caps the address lists carried in the summary
// details.
const maxDetailAddresses = 100

// Summary is the action-categorized result of comparing a snapshot
// against a plan document.
type Summary struct {
	StateResourceCount int      `json:"state_resource_count"`
	PlanResourceCount  int      `json:"plan_resource_count"`
	ResourcesAdded     int      `json:"resources_added"`
	ResourcesChanged   int      `json:"resources_changed"`
	ResourcesDestroyed int      `json:"resources_destroyed"`
	StateOnlyResources int      `json:"state_only_resources"`
	PlanOnlyResources  int      `json:"plan_only_resources"`
	Details            Details  `json:"details"`
}

// Details carries the capped address lists and per-action counts.
type Details struct {
	StateOnly   []string       `json:"state_only"`
	PlanOnly    []string       `json:"plan_only"`
	PlanActions map[string]int `json:"plan_actions"`
}

// PlanError indicates an undecodable plan document.
type PlanError struct {
	Err error
}

func (e *PlanError) Error() string { return "failed to parse plan: " + e.Err.Error() }
func (e *PlanError) Unwrap() error { return e.Err }

// Analyze compares the snapshot's resource set against a plan in
// `terraform show -json` form.
func Analyze(snap *state.Snapshot, planRaw json.RawMessage) (*Summary, error) {
	var plan tfjson.Plan
	if err := json.Unmarshal(planRaw, &plan); err != nil {
		return nil, &PlanError{Err: err}
	}

	planned := map[string]bool{}
	if plan.PlannedValues != nil {
		collectModuleAddresses(plan.PlannedValues.RootModule, planned)
	}

	inState := make(map[string]bool, len(snap.Resources))
	for _, r := range snap.Resources {
		inState[r.Address] = true
	}

	summary := &Summary{
		StateResourceCount: len(inState),
		PlanResourceCount:  len(planned),
		Details:            Details{PlanActions: map[string]int{}},
	}

	for _, rc := range plan.ResourceChanges {
		if rc.Change == nil {
			continue
		}
		relevant := relevantActions(rc.Change.Actions)
		if len(relevant) == 0 {
			continue
		}
		switch {
		case len(relevant) == 1 && relevant[0] == tfjson.ActionCreate:
			summary.ResourcesAdded++
			summary.Details.PlanActions["create"]++
		case len(relevant) == 1 && relevant[0] == tfjson.ActionDelete:
			summary.ResourcesDestroyed++
			summary.Details.PlanActions["delete"]++
		default:
			summary.ResourcesChanged++
			summary.Details.PlanActions["update"]++
		}
	}

	summary.Details.StateOnly = cappedDifference(inState, planned)
	summary.Details.PlanOnly = cappedDifference(planned, inState)
	summary.StateOnlyResources = countDifference(inState, planned)
	summary.PlanOnlyResources = countDifference(planned, inState)

	return summary, nil
}

// collectModuleAddresses gathers every planned resource address,
// descending through child modules.
func collectModuleAddresses(mod *tfjson.StateModule, out map[string]bool) {
	if mod == nil {
		return
	}
	for _, r := range mod.Resources {
		if r != nil && r.Address != "" {
			out[r.Address] = true
		}
	}
	for _, child := range mod.ChildModules {
		collectModuleAddresses(child, out)
	}
}

func relevantActions(actions tfjson.Actions) []tfjson.Action {
	var out []tfjson.Action
	for _, a := range actions {
		switch a {
		case tfjson.ActionCreate, tfjson.ActionUpdate, tfjson.ActionDelete:
			out = append(out, a)
		}
	}
	return out
}

// cappedDifference returns the lexicographically first addresses in a
// but not in b.
func cappedDifference(a, b map[string]bool) []string {
	diff := make([]string, 0)
	for addr := range a {
		if !b[addr] {
			diff = append(diff, addr)
		}
	}
	sort.Strings(diff)
	if len(diff) > maxDetailAddresses {
		diff = diff[:maxDetailAddresses]
	}
	return diff
}

func countDifference(a, b map[string]bool) int {
	n := 0
	for addr := range a {
		if !b[addr] {
			n++
		}
	}
	return n
}
