package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
)

const (
	stateBoardFileName = "state-board.md"
	humanNotesFileName = "human-notes.md"

	stateBoardBegin = "<!-- TASKMESH:STATEBOARD:START -->"
	stateBoardEnd   = "<!-- TASKMESH:STATEBOARD:END -->"
)

// writeStateBoard regenerates the managed block of shared/state-board.md,
// leaving any human-authored content outside the sentinel markers intact.
func (c *Controller) writeStateBoard(taskID string, plan Plan, state State, joined *JoinResult) error {
	task, err := c.store.ReadTask(taskID)
	if err != nil {
		return err
	}

	statusByInstance := map[string]string{}
	if _, statuses, err := c.reconciler.Reconcile(taskID); err == nil {
		for instance, status := range statuses {
			statusByInstance[instance] = string(status)
		}
	}

	sharedDir := filepath.Join(c.store.TaskDir(taskID), "shared")
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return apperrors.IO("create shared dir", err)
	}
	boardPath := filepath.Join(sharedDir, stateBoardFileName)
	now := time.Now().UTC().Format(time.RFC3339)

	var b strings.Builder
	b.WriteString("# StateBoard\n\n")
	fmt.Fprintf(&b, "- task: `%s`\n", task.ID)
	fmt.Fprintf(&b, "- title: %s\n", task.Title)
	fmt.Fprintf(&b, "- controllerState: `%s`\n", state)
	fmt.Fprintf(&b, "- updatedAt: `%s`\n", now)
	fmt.Fprintf(&b, "- sessionGoal: %s\n\n", strings.TrimSpace(plan.SessionGoal))

	b.WriteString("## Subtasks\n\n")
	for _, t := range plan.Tasks {
		instance := t.ResolvedAgentInstance()
		status := statusByInstance[instance]
		if status == "" {
			status = "unknown"
		}
		fmt.Fprintf(&b, "- `%s` agent=`%s` adapter=`%s` status=`%s` title=\"%s\"\n",
			instance, t.Agent, t.Adapter, status, escapeMarkdownInline(t.Title))
	}
	b.WriteString("\n")

	b.WriteString("## Key Artifacts\n\n")
	fmt.Fprintf(&b, "- joinedSummaryMd: `%s`\n", joinedSummaryMDRel)
	fmt.Fprintf(&b, "- joinedSummaryJson: `%s`\n", joinedSummaryJSONRel)
	fmt.Fprintf(&b, "- evidenceIndex: `%s`\n", evidenceIndexRel)
	fmt.Fprintf(&b, "- humanNotes: `./shared/%s`\n", humanNotesFileName)
	if joined != nil {
		fmt.Fprintf(&b, "- joinedSummaryMdPath: `%s`\n", joined.JoinedSummaryMD)
		fmt.Fprintf(&b, "- joinedSummaryJsonPath: `%s`\n", joined.JoinedSummaryJSON)
	}
	b.WriteString("\n")

	existing, readErr := os.ReadFile(boardPath)
	var existingPtr *string
	if readErr == nil {
		s := string(existing)
		existingPtr = &s
	}

	next := upsertManagedBlock(existingPtr, b.String())
	if err := os.WriteFile(boardPath, []byte(next), 0o644); err != nil {
		return apperrors.IO("write state-board.md", err)
	}
	return nil
}

// upsertManagedBlock splices managedContent between the sentinel markers,
// replacing an existing managed block in place or prepending a new one
// while leaving everything else in existing untouched.
func upsertManagedBlock(existing *string, managedContent string) string {
	block := fmt.Sprintf("%s\n%s\n%s\n", stateBoardBegin, strings.TrimRight(managedContent, "\n \t"), stateBoardEnd)

	if existing == nil {
		return block + "\n## Notes\n\n- You can write human notes below. Controller will preserve this section.\n"
	}

	content := *existing
	start := strings.Index(content, stateBoardBegin)
	end := strings.Index(content, stateBoardEnd)
	if start >= 0 && end >= 0 && end > start {
		afterEnd := end + len(stateBoardEnd)
		return content[:start] + block + content[afterEnd:]
	}

	return block + "\n" + content
}

func escapeMarkdownInline(value string) string {
	return strings.ReplaceAll(value, "`", "\\`")
}
