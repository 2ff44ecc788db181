package compare

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehub/statehub/internal/state"
	"github.com/statehub/statehub/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "compare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createWorkspace(t *testing.T, s *store.Store, project, name string) *store.Workspace {
	t.Helper()
	ws, err := s.CreateWorkspace(context.Background(), project, name, "")
	require.NoError(t, err)
	return ws
}

func importSnapshot(t *testing.T, s *store.Store, project, workspace string, doc map[string]any) *state.Snapshot {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	snap, err := state.Parse(raw, "local")
	require.NoError(t, err)
	snap.ProjectID = project
	snap.Workspace = workspace
	require.NoError(t, s.SaveSnapshot(context.Background(), snap))
	return snap
}

func TestCompareVariables(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")

	require.NoError(t, s.SetWorkspaceVariable(ctx, left.ID, "region", "eu-west-1", false))
	require.NoError(t, s.SetWorkspaceVariable(ctx, right.ID, "region", "us-east-1", false))
	require.NoError(t, s.SetWorkspaceVariable(ctx, left.ID, "instance_count", "2", false))
	require.NoError(t, s.SetWorkspaceVariable(ctx, right.ID, "instance_count", "2", false))
	require.NoError(t, s.SetWorkspaceVariable(ctx, left.ID, "only_left", "yes", false))

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{TypeVariables},
		InfoKeys:         []string{"only_left"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.DifferenceCount)

	byField := map[string]Difference{}
	for _, d := range result.Differences {
		byField[d.Field] = d
	}

	region := byField["region"]
	assert.Equal(t, CategoryVariable, region.Category)
	assert.Equal(t, SeverityWarning, region.Severity)
	assert.Equal(t, "eu-west-1", region.Left)
	assert.Equal(t, "us-east-1", region.Right)

	onlyLeft := byField["only_left"]
	assert.Equal(t, SeverityInfo, onlyLeft.Severity)
	assert.Equal(t, "<unset>", onlyLeft.Right)
}

func TestCompareSensitiveVariablesAlwaysDifferAndRedact(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")

	// Identical plaintext on both sides; sensitivity still forces a
	// recorded difference and the values never appear in the result.
	require.NoError(t, s.SetWorkspaceVariable(ctx, left.ID, "db_password", "hunter2", true))
	require.NoError(t, s.SetWorkspaceVariable(ctx, right.ID, "db_password", "hunter2", true))

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{TypeVariables},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.DifferenceCount)

	diff := result.Differences[0]
	assert.Equal(t, "db_password", diff.Field)
	assert.Equal(t, SeverityCritical, diff.Severity)
	assert.Equal(t, RedactedValue, diff.Left)
	assert.Equal(t, RedactedValue, diff.Right)
}

func TestCompareSecretKeySeverity(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")
	require.NoError(t, s.SetWorkspaceVariable(ctx, left.ID, "API_Secret_Key", "a", false))
	require.NoError(t, s.SetWorkspaceVariable(ctx, right.ID, "API_Secret_Key", "b", false))

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{TypeVariables},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.DifferenceCount)
	assert.Equal(t, SeverityCritical, result.Differences[0].Severity)
}

func TestCompareStateMetadata(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")

	importSnapshot(t, s, "proj-1", "staging", map[string]any{
		"serial": 4, "terraform_version": "1.6.2", "lineage": "aaa", "resources": []any{},
	})
	importSnapshot(t, s, "proj-1", "production", map[string]any{
		"serial": 9, "terraform_version": "1.6.2", "lineage": "bbb", "resources": []any{},
	})

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{TypeConfig},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.DifferenceCount)

	byField := map[string]Difference{}
	for _, d := range result.Differences {
		byField[d.Field] = d
		assert.Equal(t, CategoryConfig, d.Category)
	}
	assert.Equal(t, SeverityWarning, byField["lineage"].Severity)
	assert.Equal(t, SeverityInfo, byField["serial"].Severity)
	assert.Equal(t, "4", byField["serial"].Left)
	assert.Equal(t, "9", byField["serial"].Right)
}

func TestCompareMetadataMissingSnapshot(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")
	importSnapshot(t, s, "proj-1", "staging", map[string]any{"serial": 1, "resources": []any{}})

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{TypeConfig},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.DifferenceCount)
	assert.Equal(t, "snapshot", result.Differences[0].Field)
	assert.Equal(t, "present", result.Differences[0].Left)
	assert.Equal(t, "absent", result.Differences[0].Right)
}

func TestCompareResourceSets(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")

	resources := func(addrs ...string) []any {
		out := []any{}
		for _, a := range addrs {
			out = append(out, map[string]any{
				"address":   a,
				"type":      "aws_resource",
				"name":      "x",
				"instances": []any{map[string]any{"attributes": map[string]any{}}},
			})
		}
		return out
	}
	importSnapshot(t, s, "proj-1", "staging", map[string]any{
		"serial": 1, "resources": resources("aws_s3_bucket.shared", "aws_iam_role.staging_only"),
	})
	importSnapshot(t, s, "proj-1", "production", map[string]any{
		"serial": 1, "resources": resources("aws_s3_bucket.shared", "aws_cloudfront_distribution.prod_only"),
	})

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{TypeState},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.DifferenceCount)

	byField := map[string]Difference{}
	for _, d := range result.Differences {
		byField[d.Field] = d
		assert.Equal(t, CategoryState, d.Category)
		assert.Equal(t, SeverityWarning, d.Severity)
	}
	assert.Equal(t, "present", byField["aws_iam_role.staging_only"].Left)
	assert.Equal(t, "absent", byField["aws_iam_role.staging_only"].Right)
	assert.Equal(t, "absent", byField["aws_cloudfront_distribution.prod_only"].Left)
	assert.Equal(t, "present", byField["aws_cloudfront_distribution.prod_only"].Right)
}

func TestComparePersistsRun(t *testing.T) {
	s := testStore(t)
	c := New(s)
	ctx := context.Background()

	left := createWorkspace(t, s, "proj-1", "staging")
	right := createWorkspace(t, s, "proj-1", "production")
	require.NoError(t, s.SetWorkspaceVariable(ctx, left.ID, "region", "eu-west-1", false))

	result, err := c.Compare(ctx, Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, []string{TypeVariables, TypeState, TypeConfig}, result.Types)

	var count int
	err = s.DB().QueryRowContext(ctx,
		"SELECT difference_count FROM workspace_comparisons WHERE id = ?", result.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, result.DifferenceCount, count)
}

func TestCompareUnknownWorkspace(t *testing.T) {
	s := testStore(t)
	c := New(s)

	_, err := c.Compare(context.Background(), Request{
		LeftWorkspaceID:  "ghost",
		RightWorkspaceID: "ghost",
	})
	var notFound *store.WorkspaceNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCompareUnknownType(t *testing.T) {
	s := testStore(t)
	c := New(s)

	left := createWorkspace(t, s, "proj-1", "a")
	right := createWorkspace(t, s, "proj-1", "b")
	_, err := c.Compare(context.Background(), Request{
		LeftWorkspaceID:  left.ID,
		RightWorkspaceID: right.ID,
		Types:            []string{"bogus"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown comparison type")
}
