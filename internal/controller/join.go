package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/task/model"
)

const (
	evidenceIndexRel     = "./shared/evidence/index.json"
	joinedSummaryMDRel   = "./shared/reports/joined-summary.md"
	joinedSummaryJSONRel = "./shared/reports/joined-summary.json"
)

// JoinResult is returned once the final outputs of every roster member
// have been gathered into the shared reports and evidence index.
type JoinResult struct {
	JoinedSummaryMD   string
	JoinedSummaryJSON string
	Evidence          []model.EvidenceEntry
}

type joinedWorker struct {
	InstanceID string                 `json:"instanceId"`
	Agent      string                 `json:"agent"`
	Status     model.WorkerStatus     `json:"status"`
	Summary    string                 `json:"summary"`
	Artifacts  map[string]interface{} `json:"artifacts,omitempty"`
	Questions  []string               `json:"questions,omitempty"`
	NextAction []string               `json:"nextActions,omitempty"`
	Errors     []string               `json:"errors,omitempty"`
	Evidence   string                 `json:"evidence"`
}

type joinedSummary struct {
	TaskID  string         `json:"taskId"`
	Title   string         `json:"title"`
	Workers []joinedWorker `json:"workers"`
}

// Join reads each roster member's final artifact, synthesizing a "missing"
// placeholder when absent, then renders joined-summary.md/.json plus the
// Evidence Index under shared/.
func (c *Controller) Join(taskID string) (*JoinResult, error) {
	task, err := c.store.ReadTask(taskID)
	if err != nil {
		return nil, err
	}

	taskDir := c.store.TaskDir(taskID)
	sharedDir := filepath.Join(taskDir, "shared")
	reportsDir := filepath.Join(sharedDir, "reports")
	evidenceDir := filepath.Join(sharedDir, "evidence")
	for _, dir := range []string{reportsDir, evidenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.IO("create join output dir", err)
		}
	}

	now := time.Now().UTC()
	workers := make([]joinedWorker, 0, len(task.Roster))
	entries := make([]model.EvidenceEntry, 0, len(task.Roster))

	roster := append([]model.AgentInstance(nil), task.Roster...)
	sort.Slice(roster, func(i, j int) bool { return roster[i].InstanceID < roster[j].InstanceID })

	for _, agent := range roster {
		instance := agent.InstanceID
		agentDir := c.reconciler.AgentDir(taskID, instance)
		finalPath := filepath.Join(agentDir, "artifacts", "final.json")
		eventsRel := fmt.Sprintf("./agents/%s/runtime/events.jsonl", instance)
		finalRel := fmt.Sprintf("./agents/%s/artifacts/final.json", instance)

		final, err := readFinalOutputOrMissing(finalPath)
		if err != nil {
			return nil, err
		}

		normalized := normalizeEvidenceID(instance)
		evidenceTag := "worker-" + normalized

		workers = append(workers, joinedWorker{
			InstanceID: instance,
			Agent:      agent.Agent,
			Status:     final.Status,
			Summary:    final.Summary,
			Artifacts:  final.Artifacts,
			Questions:  final.Questions,
			NextAction: final.NextActions,
			Errors:     final.Errors,
			Evidence:   evidenceTag,
		})

		entries = append(entries, model.EvidenceEntry{
			ID:        "evidence:" + evidenceTag,
			Kind:      "runtime-event-range",
			Title:     fmt.Sprintf("%s (%s)", instance, agent.Agent),
			Summary:   final.Summary,
			CreatedAt: now,
			Sources: []model.EvidenceSource{
				{Kind: "runtime-event-range", Ref: eventsRel},
				{Kind: "file-anchor", Ref: finalRel},
			},
			Artifacts: artifactKeys(final.Artifacts),
		})
	}

	summary := joinedSummary{TaskID: task.ID, Title: task.Title, Workers: workers}

	mdPath := filepath.Join(sharedDir, "reports", "joined-summary.md")
	if err := os.WriteFile(mdPath, []byte(renderJoinedSummaryMarkdown(task, summary)), 0o644); err != nil {
		return nil, apperrors.IO("write joined-summary.md", err)
	}

	jsonPath := filepath.Join(sharedDir, "reports", "joined-summary.json")
	if err := writeJSONFile(jsonPath, summary); err != nil {
		return nil, err
	}

	evidenceIndexPath := filepath.Join(evidenceDir, "index.json")
	if err := writeJSONFile(evidenceIndexPath, entries); err != nil {
		return nil, err
	}

	return &JoinResult{
		JoinedSummaryMD:   joinedSummaryMDRel,
		JoinedSummaryJSON: joinedSummaryJSONRel,
		Evidence:          entries,
	}, nil
}

func readFinalOutputOrMissing(path string) (model.WorkerFinalOutput, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.WorkerFinalOutput{Status: "missing", Summary: "final output is missing"}, nil
		}
		return model.WorkerFinalOutput{}, apperrors.IO("read final output", err)
	}

	var out model.WorkerFinalOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return model.WorkerFinalOutput{Status: "missing", Summary: "final output is missing"}, nil
	}
	return out, nil
}

func renderJoinedSummaryMarkdown(task *model.Task, summary joinedSummary) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "taskId: %s\n", task.ID)
	fmt.Fprintf(&b, "title: %s\n", escapeMarkdownInline(task.Title))
	fmt.Fprintf(&b, "workerCount: %d\n", len(summary.Workers))
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# Joined Summary: %s\n\n", escapeMarkdownInline(task.Title))

	for _, w := range summary.Workers {
		fmt.Fprintf(&b, "## %s (`%s`)\n\n", w.InstanceID, w.Status)
		fmt.Fprintf(&b, "- agent: `%s`\n", w.Agent)
		fmt.Fprintf(&b, "- evidence: `evidence:%s`\n", w.Evidence)
		fmt.Fprintf(&b, "\n%s\n\n", escapeMarkdownInline(w.Summary))

		if len(w.Questions) > 0 {
			b.WriteString("Questions:\n\n")
			for _, q := range w.Questions {
				fmt.Fprintf(&b, "- %s\n", escapeMarkdownInline(q))
			}
			b.WriteString("\n")
		}
		if len(w.NextAction) > 0 {
			b.WriteString("Next actions:\n\n")
			for _, n := range w.NextAction {
				fmt.Fprintf(&b, "- %s\n", escapeMarkdownInline(n))
			}
			b.WriteString("\n")
		}
		if len(w.Errors) > 0 {
			b.WriteString("Errors:\n\n")
			for _, e := range w.Errors {
				fmt.Fprintf(&b, "- %s\n", escapeMarkdownInline(e))
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// artifactKeys returns the sorted artifact names from a worker's final
// output, which the Evidence Index cites by name rather than embedding.
func artifactKeys(artifacts map[string]interface{}) []string {
	if len(artifacts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeEvidenceID lowercases instance and replaces anything that
// isn't [a-z0-9-] with '-', so the resulting evidence tag is a safe
// markdown/JSON identifier regardless of the instance id's shape.
func normalizeEvidenceID(instance string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(instance) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}
