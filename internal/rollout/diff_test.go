package rollout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseApplyPatchSegmentsSplitsUpdateAddDelete(t *testing.T) {
	patch := "*** Update File: a.go\n@@\n ctx\n-old\n+new\n" +
		"*** Add File: b.go\n+hello\n" +
		"*** Delete File: c.go\n-bye\n"

	segments := parseApplyPatchSegments(patch)
	require.Len(t, segments, 3)

	assert.Equal(t, "a.go", segments[0].path)
	assert.Equal(t, "update", segments[0].kind["type"])

	assert.Equal(t, "b.go", segments[1].path)
	assert.Equal(t, "add", segments[1].kind["type"])

	assert.Equal(t, "c.go", segments[2].path)
	assert.Equal(t, "delete", segments[2].kind["type"])
}

func TestParseApplyPatchSegmentsCapturesMoveTarget(t *testing.T) {
	patch := "*** Update File: old_name.go\n*** Move to: new_name.go\n@@\n ctx\n-old\n+new\n"

	segments := parseApplyPatchSegments(patch)
	require.Len(t, segments, 1)
	movePath, ok := extractMovePath(segments[0].kind)
	require.True(t, ok)
	assert.Equal(t, "new_name.go", movePath)
}

func TestEnrichFileChangeDiffForAddFile(t *testing.T) {
	diff, ok := enrichFileChangeDiff("new.go", Item{"type": "add"}, "+line one\n+line two", "")
	require.True(t, ok)
	assert.Equal(t, "@@ -0,0 +1,2 @@\n+line one\n+line two", diff)
}

func TestEnrichFileChangeDiffForDeleteFile(t *testing.T) {
	diff, ok := enrichFileChangeDiff("old.go", Item{"type": "delete"}, "-line one\n-line two", "")
	require.True(t, ok)
	assert.Equal(t, "@@ -1,2 +0,0 @@\n-line one\n-line two", diff)
}

func TestEnrichFileChangeDiffFallsBackWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	diff, ok := enrichFileChangeDiff("missing.go", Item{"type": "update"}, " ctx\n-old\n+new", dir)
	assert.False(t, ok)
	assert.Equal(t, " ctx\n-old\n+new", diff)
}

func TestEnrichFileChangeDiffMultipleHunksAdvanceSearchCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.go")
	// post-patch content: "one\nTWO\nthree\nFOUR\nfive"
	require.NoError(t, os.WriteFile(path, []byte("one\nTWO\nthree\nFOUR\nfive"), 0o644))

	diff := " one\n-two\n+TWO\n three\n@@\n-four\n+FOUR\n five"
	unified, ok := enrichFileChangeDiff("file.go", Item{"type": "update"}, diff, dir)
	require.True(t, ok)
	assert.Contains(t, unified, "@@ -1,3 +1,3 @@")
	assert.Contains(t, unified, "@@ -4,2 +4,2 @@")
}

func TestReadFileLinesSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, maxDiffFileBytes+1), 0o644))

	_, ok := readFileLines(path)
	assert.False(t, ok)
}
