package rollout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRolloutLog(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestReconstructActivityByTurnGroupsByUserMessageBoundary(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"assistant"}}`,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"user"}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 2, "")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	kind0, ok := placeholderKind(turns[0][0])
	require.True(t, ok)
	assert.Equal(t, "agentMessage", kind0)

	kind1, ok := placeholderKind(turns[1][0])
	require.True(t, ok)
	assert.Equal(t, "userMessage", kind1)
}

func TestReconstructActivityByTurnPadsLeftWhenFewerThanExpected(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"assistant"}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 3, "")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Empty(t, turns[0])
	assert.Empty(t, turns[1])
	assert.Len(t, turns[2], 1)
}

func TestReconstructActivityByTurnKeepsTrailingTurnsWhenMoreThanExpected(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"user"}}`,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"assistant"}}`,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"message","role":"assistant"}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 1, "")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	kind, ok := placeholderKind(turns[0][0])
	require.True(t, ok)
	assert.Equal(t, "agentMessage", kind)
}

func TestReconstructActivityByTurnThreadRolledBackTruncatesTurnsAndPending(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"exec_command","arguments":"{\"cmd\":\"ls\"}","call_id":"c1"}}`,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"exec_command","arguments":"{\"cmd\":\"pwd\"}","call_id":"c2"}}`,
		`{"type":"event_msg","payload":{"type":"thread_rolled_back","num_turns":1}}`,
		`{"type":"response_item","payload":{"type":"function_call_output","call_id":"c2","output":{"success":true,"content":"ok"}}}`,
		`{"type":"response_item","payload":{"type":"function_call_output","call_id":"c1","output":{"success":true,"content":"ok"}}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 1, "")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0], 1)
	assert.Equal(t, "commandExecution", turns[0][0]["type"])
	assert.Equal(t, "ls", turns[0][0]["command"])
	// c2's pending entry pointed into the rolled-back turn and was purged,
	// so its later function_call_output is silently dropped; c1 survives
	// the truncation and its output still applies.
	assert.Equal(t, "completed", turns[0][0]["status"])
	assert.Equal(t, "ok", turns[0][0]["aggregatedOutput"])
}

func TestReconstructActivityByTurnExecCommandLifecycle(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"exec_command","arguments":"{\"cmd\":\"ls -la\",\"workdir\":\"/tmp\"}","call_id":"call-1"}}`,
		`{"type":"response_item","payload":{"type":"function_call_output","call_id":"call-1","output":{"success":true,"stdout":"a\nb\n"}}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 1, "")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0], 1)

	item := turns[0][0]
	assert.Equal(t, "commandExecution", item["type"])
	assert.Equal(t, "ls -la", item["command"])
	assert.Equal(t, "/tmp", item["cwd"])
	assert.Equal(t, "completed", item["status"])
	assert.Equal(t, "a\nb\n", item["aggregatedOutput"])
}

func TestReconstructActivityByTurnMCPToolCallRecognizesQualifiedName(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"filesystem.readFile","arguments":"{\"path\":\"a.txt\"}","call_id":"call-2"}}`,
		`{"type":"response_item","payload":{"type":"function_call_output","call_id":"call-2","output":{"success":false,"content":"boom"}}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 1, "")
	require.NoError(t, err)
	require.Len(t, turns[0], 1)

	item := turns[0][0]
	assert.Equal(t, "mcpToolCall", item["type"])
	assert.Equal(t, "filesystem", item["server"])
	assert.Equal(t, "readFile", item["tool"])
	assert.Equal(t, "failed", item["status"])
}

func TestReconstructActivityByTurnExcludesNonMCPDottedPrefixes(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"web.search","arguments":"{}","call_id":"call-3"}}`,
	)

	turns, err := ReconstructActivityByTurn(path, 1, "")
	require.NoError(t, err)
	assert.Empty(t, turns[0])
}

func TestReconstructActivityByTurnApplyPatchProducesFileChange(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "greeting.txt")
	// enrichFileChangeDiff anchors hunks against the file's current (i.e.
	// post-patch) content, since reconstruction runs after the patch was
	// historically applied.
	require.NoError(t, os.WriteFile(filePath, []byte("hello\nthere\n"), 0o644))

	patch := "*** Update File: greeting.txt\n@@\n hello\n-world\n+there\n"
	record := `{"type":"response_item","payload":{"type":"custom_tool_call","name":"apply_patch","call_id":"p1","input":` +
		jsonString(patch) + `,"status":"completed"}}`

	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		record,
	)

	turns, err := ReconstructActivityByTurn(path, 1, dir)
	require.NoError(t, err)
	require.Len(t, turns[0], 1)

	item := turns[0][0]
	assert.Equal(t, "fileChange", item["type"])
	changes, ok := item["changes"].([]interface{})
	require.True(t, ok)
	require.Len(t, changes, 1)
	change := changes[0].(Item)
	assert.Equal(t, "greeting.txt", change["path"])
	assert.Equal(t, true, change["lineNumbersAvailable"])
	assert.Contains(t, change["diff"], "@@ -1,2 +1,2 @@")
}

func jsonString(s string) string {
	b := strings.Builder{}
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func TestAugmentThreadResumeResponseMergesPlaceholdersAndFillsOutput(t *testing.T) {
	path := writeRolloutLog(t,
		`{"type":"event_msg","payload":{"type":"user_message"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"exec_command","arguments":"{\"cmd\":\"ls\"}","call_id":"call-1"}}`,
		`{"type":"response_item","payload":{"type":"function_call_output","call_id":"call-1","output":{"success":true,"stdout":"a.txt\n"}}}`,
	)

	res := map[string]interface{}{
		"thread": map[string]interface{}{
			"turns": []interface{}{
				map[string]interface{}{
					"items": []interface{}{
						map[string]interface{}{
							"type":             "commandExecution",
							"id":               "call-1",
							"command":          "ls",
							"status":           "inProgress",
							"aggregatedOutput": nil,
						},
					},
				},
			},
		},
	}

	augmented := AugmentThreadResumeResponse(res, path, "")
	thread := augmented["thread"].(map[string]interface{})
	turns := thread["turns"].([]interface{})
	turn0 := turns[0].(map[string]interface{})
	items := turn0["items"].([]interface{})
	require.Len(t, items, 1)

	merged := items[0].(Item)
	assert.Equal(t, "completed", merged["status"])
	assert.Equal(t, "a.txt\n", merged["aggregatedOutput"])
}

func TestAugmentThreadResumeResponseReturnsUnmodifiedWhenRolloutPathMissing(t *testing.T) {
	res := map[string]interface{}{
		"thread": map[string]interface{}{
			"turns": []interface{}{map[string]interface{}{"items": []interface{}{}}},
		},
	}
	augmented := AugmentThreadResumeResponse(res, "", "")
	assert.Equal(t, res, augmented)
}

func TestFindRolloutPathByThreadIDSearchesNestedSessionsDir(t *testing.T) {
	home := t.TempDir()
	nested := filepath.Join(home, "sessions", "2026", "07")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	target := filepath.Join(nested, "rollout-thread-abc123.jsonl")
	require.NoError(t, os.WriteFile(target, []byte(""), 0o644))

	found, ok := FindRolloutPathByThreadID(home, "thread-abc123")
	require.True(t, ok)
	assert.Equal(t, target, found)
}

func TestFindRolloutPathByThreadIDReturnsFalseWhenSessionsDirAbsent(t *testing.T) {
	_, ok := FindRolloutPathByThreadID(t.TempDir(), "anything")
	assert.False(t, ok)
}
