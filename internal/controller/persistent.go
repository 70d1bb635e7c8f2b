package controller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/rpc"
	"github.com/kandev/taskmesh/internal/task/model"
)

const outputContractPreamble = "# Output Contract\n" +
	"Return ONLY valid JSON matching schemas/worker-output.schema.json.\n" +
	"Required keys: status, summary. Optional: questions, nextActions, errors.\n"

const persistentAdapterName = "codex-app-server"

// runPersistentOneTurn drives a single turn of a persistent vendor-tool
// session to completion and writes a worker-shaped final.json, bridging
// the app-server's streamed item events into the same artifact shape a
// batch worker produces.
func (c *Controller) runPersistentOneTurn(ctx context.Context, taskID string, subtask PlanTask, opts Options) error {
	instance := subtask.ResolvedAgentInstance()
	cwd := resolveOptionalPath(subtask.Cwd, opts.DefaultCwd)

	if err := c.ensureAgentInstance(taskID, instance, subtask.Agent, cwd); err != nil {
		return err
	}

	agentDir := c.reconciler.AgentDir(taskID, instance)
	runtimeDir := filepath.Join(agentDir, "runtime")
	artifactsDir := filepath.Join(agentDir, "artifacts")
	for _, dir := range []string{runtimeDir, artifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperrors.IO("create agent dir", err)
		}
	}
	vendorHome := filepath.Join(agentDir, "codex_home")
	finalPath := filepath.Join(artifactsDir, "final.json")

	poolID, err := c.pool.Ensure(ctx, cwd, vendorHome, "")
	if err != nil {
		return err
	}
	session, ok := c.pool.Get(poolID)
	if !ok {
		return apperrors.ServerError("session vanished from pool immediately after Ensure")
	}

	events := session.Subscribe(64)
	defer session.Unsubscribe(events)

	mode := subtask.Mode
	if mode == "" {
		mode = ModeSpawn
	}

	threadID, err := c.startOrForkThread(ctx, session, mode, subtask.ForkedFromThreadID)
	if err != nil {
		return err
	}
	if err := writeSessionDescriptorOnce(agentDir, cwd, vendorHome, threadID); err != nil {
		return err
	}

	wrappedPrompt := outputContractPreamble + "\n\n" + subtask.Prompt + "\n"
	params := map[string]interface{}{
		"threadId": threadID,
		"input":    []map[string]string{{"type": "text", "text": wrappedPrompt}},
	}
	if _, err := session.Call(ctx, "turn/start", params); err != nil {
		return err
	}

	final := driveTurnToCompletion(ctx, events)

	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return apperrors.JSON("marshal final output", err)
	}
	if err := os.WriteFile(finalPath, data, 0o644); err != nil {
		return apperrors.IO("write final.json", err)
	}

	return nil
}

func (c *Controller) startOrForkThread(ctx context.Context, session *rpc.Session, mode Mode, forkedFrom string) (string, error) {
	var result json.RawMessage
	var err error

	switch mode {
	case ModeFork:
		if forkedFrom == "" {
			return "", apperrors.New(apperrors.KindInvalidID, "mode=fork requires forkedFromThreadId")
		}
		result, err = session.Call(ctx, "thread/fork", map[string]interface{}{"threadId": forkedFrom})
	default:
		result, err = session.Call(ctx, "thread/start", map[string]interface{}{})
	}
	if err != nil {
		return "", err
	}

	var decoded struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.ThreadID == "" {
		return "", apperrors.MissingThreadID()
	}
	return decoded.ThreadID, nil
}

// driveTurnToCompletion consumes inbound events until the turn finishes,
// an approval request blocks it, or an error event arrives, then
// synthesizes the worker-shaped final output the three outcomes map to.
func driveTurnToCompletion(ctx context.Context, events <-chan rpc.InboundEvent) model.WorkerFinalOutput {
	var lastAgentMessageText string
	var blockedReason string
	turnDone := false

	for !turnDone {
		select {
		case <-ctx.Done():
			blockedReason = "context canceled while awaiting turn completion"
		case evt, ok := <-events:
			if !ok {
				blockedReason = "session closed before turn completed"
				break
			}
			switch evt.Kind {
			case rpc.EventRequest:
				blockedReason = "approval request: " + evt.Method
			case rpc.EventNotification:
				switch evt.Method {
				case "item/completed":
					if text, ok := extractAgentMessageText(evt.Params); ok {
						lastAgentMessageText = text
					}
				case "turn/completed":
					turnDone = true
				case "error":
					blockedReason = "app-server error"
				}
			}
		}

		if blockedReason != "" {
			break
		}
	}

	if blockedReason != "" {
		return model.WorkerFinalOutput{
			Status:  model.WorkerBlocked,
			Summary: blockedReason,
			Questions: []string{
				"Please approve/resolve the pending request in GUI or via controller gate.",
			},
			NextActions: []string{
				"Review the pending approval request and resume the controller loop.",
			},
		}
	}

	if lastAgentMessageText == "" {
		return model.WorkerFinalOutput{
			Status:  model.WorkerFailed,
			Summary: "missing agentMessage output",
			Errors:  []string{"No agentMessage item captured from app-server events."},
		}
	}

	jsonText, ok := extractJSONFromText(lastAgentMessageText)
	if !ok {
		return model.WorkerFinalOutput{
			Status:  model.WorkerFailed,
			Summary: "agentMessage is not valid JSON",
			Errors:  []string{"Expected JSON worker output; got plain text."},
		}
	}

	var out model.WorkerFinalOutput
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return model.WorkerFinalOutput{
			Status:  model.WorkerFailed,
			Summary: "agentMessage is not valid JSON",
			Errors:  []string{"Expected JSON worker output; got plain text."},
		}
	}
	return out
}

func extractAgentMessageText(params json.RawMessage) (string, bool) {
	var decoded struct {
		Item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"item"`
	}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return "", false
	}
	if decoded.Item.Type != "agentMessage" || decoded.Item.Text == "" {
		return "", false
	}
	return decoded.Item.Text, true
}

// writeSessionDescriptorOnce records the §4.C SessionDescriptor the first
// time threadID becomes known for a persistent session (there is no literal
// thread.started frame over this transport, so the turn that first learns
// threadID stands in for it), and is a no-op on any later call that would
// write the same thread id.
func writeSessionDescriptorOnce(agentDir, cwd, vendorHome, threadID string) error {
	sessionPath := filepath.Join(agentDir, "session.json")
	if existing, err := os.ReadFile(sessionPath); err == nil {
		var current model.SessionDescriptor
		if json.Unmarshal(existing, &current) == nil && current.VendorSession.ThreadID == threadID {
			return nil
		}
	}

	desc := model.SessionDescriptor{
		Adapter: persistentAdapterName,
		VendorSession: model.VendorSession{
			Tool:      "codex",
			ThreadID:  threadID,
			Cwd:       cwd,
			CodexHome: relPortablePath(agentDir, vendorHome),
		},
		Recording: model.Recording{
			Events:   "./runtime/events.jsonl",
			Stderr:   "./runtime/stderr.log",
			Requests: "./runtime/requests.jsonl",
		},
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return apperrors.JSON("marshal session.json", err)
	}
	if err := os.WriteFile(sessionPath, data, 0o644); err != nil {
		return apperrors.IO("write session.json", err)
	}
	return nil
}

func relPortablePath(baseDir, path string) string {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	if rel == "." {
		return "."
	}
	return "./" + rel
}

func (c *Controller) ensureAgentInstance(taskID, instance, agentName, cwd string) error {
	task, err := c.store.ReadTask(taskID)
	if err != nil {
		return err
	}
	if _, found := task.FindAgent(instance); found {
		return nil
	}

	task.Roster = append(task.Roster, model.AgentInstance{
		InstanceID: instance,
		Agent:      agentName,
		State:      model.AgentActive,
	})
	task.UpdatedAt = time.Now().UTC()
	if err := c.store.WriteTask(task); err != nil {
		return err
	}

	return c.store.AppendTaskEvent(taskID, model.TaskEvent{
		Timestamp: task.UpdatedAt,
		Type:      "agent.started",
		TaskID:    taskID,
		Instance:  instance,
		Payload: map[string]interface{}{
			"cwd":     cwd,
			"adapter": string(AdapterPersistent),
		},
		By: "controller",
	})
}
