package rollout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTurnItemsResolvesPlaceholderQueuesInDeclarationOrder(t *testing.T) {
	base := []Item{
		{"type": "userMessage", "id": "u1"},
		{"type": "reasoning", "id": "r1", "summary": []interface{}{"first"}},
		{"type": "agentMessage", "id": "a1"},
	}
	rolloutItems := []Item{
		rolloutPlaceholder("userMessage"),
		rolloutPlaceholder("reasoning"),
		rolloutPlaceholder("agentMessage"),
	}

	merged := mergeTurnItems(base, rolloutItems)
	require.Len(t, merged, 3)
	assert.Equal(t, "u1", merged[0]["id"])
	assert.Equal(t, "r1", merged[1]["id"])
	assert.Equal(t, "a1", merged[2]["id"])
}

func TestMergeTurnItemsFillsMissingCommandExecutionFields(t *testing.T) {
	base := []Item{
		{"type": "commandExecution", "id": "c1", "status": "inProgress", "aggregatedOutput": nil},
	}
	rolloutItems := []Item{
		{"type": "commandExecution", "id": "c1", "status": "completed", "aggregatedOutput": "done", "exitCode": float64(0)},
	}

	merged := mergeTurnItems(base, rolloutItems)
	require.Len(t, merged, 1)
	assert.Equal(t, "completed", merged[0]["status"])
	assert.Equal(t, "done", merged[0]["aggregatedOutput"])
	assert.Equal(t, float64(0), merged[0]["exitCode"])
}

func TestMergeTurnItemsNeverOverridesTerminalStatus(t *testing.T) {
	base := []Item{
		{"type": "commandExecution", "id": "c1", "status": "failed", "aggregatedOutput": "boom"},
	}
	rolloutItems := []Item{
		{"type": "commandExecution", "id": "c1", "status": "completed", "aggregatedOutput": "should not apply"},
	}

	merged := mergeTurnItems(base, rolloutItems)
	assert.Equal(t, "failed", merged[0]["status"])
	assert.Equal(t, "boom", merged[0]["aggregatedOutput"])
}

func TestMergeTurnItemsAppendsUnmatchedRolloutAndLeftoverBaseItems(t *testing.T) {
	base := []Item{
		{"type": "reasoning", "id": "r1", "summary": []interface{}{"kept"}},
	}
	rolloutItems := []Item{
		{"type": "webSearch", "id": "w1", "query": "go modules"},
	}

	merged := mergeTurnItems(base, rolloutItems)
	require.Len(t, merged, 2)
	assert.Equal(t, "w1", merged[0]["id"])
	assert.Equal(t, "r1", merged[1]["id"])
}

func TestDedupeAdjacentReasoningKeepsLongerOfPrefixPair(t *testing.T) {
	items := []Item{
		{"type": "reasoning", "id": "r1", "summary": []interface{}{"Investigating the failing test"}},
		{"type": "reasoning", "id": "r2", "summary": []interface{}{"Investigating the failing test in detail"}},
	}

	deduped := dedupeAdjacentReasoning(items)
	require.Len(t, deduped, 1)
	assert.Equal(t, "r2", deduped[0]["id"])
}

func TestDedupeAdjacentReasoningKeepsBothWhenUnrelated(t *testing.T) {
	items := []Item{
		{"type": "reasoning", "id": "r1", "summary": []interface{}{"Checking the database schema"}},
		{"type": "reasoning", "id": "r2", "summary": []interface{}{"Reviewing the HTTP handler"}},
	}

	deduped := dedupeAdjacentReasoning(items)
	assert.Len(t, deduped, 2)
}

func TestMergeFileChangeChangesFillsMissingDiffByPath(t *testing.T) {
	base := []interface{}{
		map[string]interface{}{"path": "a.go", "diff": ""},
	}
	rolloutChanges := []interface{}{
		map[string]interface{}{"path": "a.go", "diff": "@@ -1,1 +1,1 @@\n-old\n+new", "lineNumbersAvailable": true},
	}

	merged := mergeFileChangeChanges(base, rolloutChanges)
	mergedSlice, ok := merged.([]interface{})
	require.True(t, ok)
	change := mergedSlice[0].(map[string]interface{})
	assert.Equal(t, "@@ -1,1 +1,1 @@\n-old\n+new", change["diff"])
	assert.Equal(t, true, change["lineNumbersAvailable"])
}
