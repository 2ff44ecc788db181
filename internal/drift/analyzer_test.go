package drift

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehub/statehub/internal/state"
)

func parseSnapshot(t *testing.T, addrs ...string) *state.Snapshot {
	t.Helper()
	resources := make([]any, 0, len(addrs))
	for i, addr := range addrs {
		resources = append(resources, map[string]any{
			"address":   addr,
			"type":      "aws_resource",
			"name":      fmt.Sprintf("r%d", i),
			"instances": []any{map[string]any{"attributes": map[string]any{}}},
		})
	}
	raw, err := json.Marshal(map[string]any{"serial": 1, "resources": resources})
	require.NoError(t, err)
	snap, err := state.Parse(raw, "")
	require.NoError(t, err)
	return snap
}

func buildPlan(t *testing.T, addrs []string, changes []map[string]any) json.RawMessage {
	t.Helper()
	resources := make([]any, 0, len(addrs))
	for _, addr := range addrs {
		resources = append(resources, map[string]any{
			"address": addr,
			"mode":    "managed",
			"type":    "aws_resource",
			"name":    "x",
		})
	}
	plan := map[string]any{
		"format_version":    "1.2",
		"terraform_version": "1.6.2",
		"planned_values": map[string]any{
			"root_module": map[string]any{"resources": resources},
		},
		"resource_changes": changes,
	}
	raw, err := json.Marshal(plan)
	require.NoError(t, err)
	return raw
}

func change(addr string, actions ...string) map[string]any {
	acts := make([]any, 0, len(actions))
	for _, a := range actions {
		acts = append(acts, a)
	}
	return map[string]any{
		"address": addr,
		"change":  map[string]any{"actions": acts},
	}
}

func TestAnalyzeCategorizesActions(t *testing.T) {
	snap := parseSnapshot(t,
		"aws_s3_bucket.example",
		"module.logging.aws_cloudwatch_log_group.this[0]",
	)
	plan := buildPlan(t,
		[]string{"aws_s3_bucket.example", "module.logging.aws_cloudwatch_log_group.this[0]"},
		[]map[string]any{
			change("aws_s3_bucket.example", "update"),
			change("module.logging.aws_cloudwatch_log_group.this[0]", "delete"),
			change("aws_iam_role.state", "create"),
		},
	)

	summary, err := Analyze(snap, plan)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ResourcesAdded)
	assert.Equal(t, 1, summary.ResourcesChanged)
	assert.Equal(t, 1, summary.ResourcesDestroyed)
	assert.Equal(t, 0, summary.StateOnlyResources)
	assert.Equal(t, 0, summary.PlanOnlyResources)
	assert.Equal(t, 2, summary.StateResourceCount)
	assert.Equal(t, 2, summary.PlanResourceCount)
	assert.Equal(t, map[string]int{"create": 1, "update": 1, "delete": 1}, summary.Details.PlanActions)
}

func TestAnalyzeReplaceCountsAsUpdate(t *testing.T) {
	snap := parseSnapshot(t, "aws_instance.web")
	plan := buildPlan(t,
		[]string{"aws_instance.web"},
		[]map[string]any{
			change("aws_instance.web", "delete", "create"),
			change("aws_instance.noop", "no-op"),
			change("aws_instance.read", "read"),
		},
	)

	summary, err := Analyze(snap, plan)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ResourcesAdded)
	assert.Equal(t, 1, summary.ResourcesChanged)
	assert.Equal(t, 0, summary.ResourcesDestroyed)
}

func TestAnalyzeSetDifferences(t *testing.T) {
	snap := parseSnapshot(t, "aws_s3_bucket.a", "aws_s3_bucket.b")
	plan := buildPlan(t, []string{"aws_s3_bucket.b", "aws_s3_bucket.c"}, nil)

	summary, err := Analyze(snap, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StateOnlyResources)
	assert.Equal(t, 1, summary.PlanOnlyResources)
	assert.Equal(t, []string{"aws_s3_bucket.a"}, summary.Details.StateOnly)
	assert.Equal(t, []string{"aws_s3_bucket.c"}, summary.Details.PlanOnly)
}

func TestAnalyzeChildModules(t *testing.T) {
	snap := parseSnapshot(t, "module.net.aws_vpc.main")
	plan := json.RawMessage(`{
		"format_version": "1.2",
		"terraform_version": "1.6.2",
		"planned_values": {
			"root_module": {
				"resources": [],
				"child_modules": [{
					"address": "module.net",
					"resources": [{"address": "module.net.aws_vpc.main"}],
					"child_modules": [{
						"address": "module.net.module.subnets",
						"resources": [{"address": "module.net.module.subnets.aws_subnet.a"}]
					}]
				}]
			}
		},
		"resource_changes": []
	}`)

	summary, err := Analyze(snap, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PlanResourceCount)
	assert.Equal(t, []string{"module.net.module.subnets.aws_subnet.a"}, summary.Details.PlanOnly)
}

func TestAnalyzeDetailListsSortedAndCapped(t *testing.T) {
	addrs := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		addrs = append(addrs, fmt.Sprintf("aws_instance.w%03d", i))
	}
	snap := parseSnapshot(t, addrs...)
	plan := buildPlan(t, nil, nil)

	summary, err := Analyze(snap, plan)
	require.NoError(t, err)
	assert.Equal(t, 150, summary.StateOnlyResources)
	require.Len(t, summary.Details.StateOnly, 100)
	assert.Equal(t, "aws_instance.w000", summary.Details.StateOnly[0])
	assert.Equal(t, "aws_instance.w099", summary.Details.StateOnly[99])
}

func TestAnalyzeBadPlan(t *testing.T) {
	snap := parseSnapshot(t)
	_, err := Analyze(snap, json.RawMessage(`{"format_version": [1]}`))
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
}
