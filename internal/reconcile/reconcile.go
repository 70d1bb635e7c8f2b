// Package reconcile derives each agent's live status from on-disk facts
// (pid liveness, the final artifact, the persisted roster state) and
// idempotently aligns the task's persisted state and event log to match.
package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/procutil"
	"github.com/kandev/taskmesh/internal/task/model"
	"github.com/kandev/taskmesh/internal/task/store"
)

// Status is the derived, as-of-now status of one agent instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status will never transition further on
// its own (absent a new spawn).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Reconciler recomputes agent and task state from the filesystem.
type Reconciler struct {
	store *store.Store
	log   *logger.Logger
}

// New constructs a Reconciler backed by s.
func New(s *store.Store, log *logger.Logger) *Reconciler {
	return &Reconciler{store: s, log: log.WithFields()}
}

// AgentDir returns the on-disk directory for one agent instance.
func (r *Reconciler) AgentDir(taskID, instanceID string) string {
	return filepath.Join(r.store.TaskDir(taskID), "agents", instanceID)
}

// Reconcile derives the status of every roster entry in taskID, aligns the
// persisted Task and event log to match, and returns the (possibly
// updated) task along with the per-instance statuses it just derived.
func (r *Reconciler) Reconcile(taskID string) (*model.Task, map[string]Status, error) {
	task, err := r.store.ReadTask(taskID)
	if err != nil {
		return nil, nil, err
	}

	events, err := r.store.ReadTaskEvents(taskID, "", 0, 0)
	if err != nil {
		return nil, nil, err
	}

	seenAgentEvent := make(map[string]bool)  // "<type>:<instance>"
	seenGateEvent := make(map[string]bool)   // "<type>:<gateID>"
	cancelled := make(map[string]bool)
	for _, evt := range events {
		if strings.HasPrefix(evt.Type, "agent.") {
			seenAgentEvent[evt.Type+":"+evt.Instance] = true
			if evt.Type == "agent.cancelled" {
				cancelled[evt.Instance] = true
			}
		}
		if strings.HasPrefix(evt.Type, "gate.") {
			seenGateEvent[evt.Type+":"+eventGateID(evt)] = true
		}
	}

	statuses := make(map[string]Status, len(task.Roster))
	taskChanged := false
	now := time.Now().UTC()

	for i := range task.Roster {
		agent := &task.Roster[i]
		status := r.deriveStatus(taskID, agent, cancelled[agent.InstanceID])
		statuses[agent.InstanceID] = status

		newState, eventType := mapStatusToAgentState(status)
		if agent.State != newState {
			agent.State = newState
			taskChanged = true
		}
		if eventType != "" && !seenAgentEvent[eventType+":"+agent.InstanceID] {
			if err := r.store.AppendTaskEvent(taskID, model.TaskEvent{
				Timestamp: now,
				Type:      eventType,
				TaskID:    taskID,
				Instance:  agent.InstanceID,
				Payload:   map[string]interface{}{},
			}); err != nil {
				return nil, nil, err
			}
			seenAgentEvent[eventType+":"+agent.InstanceID] = true
		}

		if status == StatusBlocked {
			changed, err := r.upsertBlockedGate(task, agent.InstanceID, seenGateEvent, now)
			if err != nil {
				return nil, nil, err
			}
			if changed {
				taskChanged = true
			}
		}
	}

	anyBlocked := false
	for _, s := range statuses {
		if s == StatusBlocked {
			anyBlocked = true
			break
		}
	}
	if anyBlocked && (task.State == model.TaskCreated || task.State == model.TaskWorking) {
		task.State = model.TaskInputRequired
		taskChanged = true
	}

	// Session-descriptor repair writes its own file directly; it never
	// touches task.yaml fields, so it has no bearing on taskChanged.
	r.repairSessionThreadID(taskID, task)

	if taskChanged {
		task.UpdatedAt = now
		if err := r.store.WriteTask(task); err != nil {
			return nil, nil, err
		}
	}

	return task, statuses, nil
}

func eventGateID(evt model.TaskEvent) string {
	if m, ok := evt.Payload.(map[string]interface{}); ok {
		if id, ok := m["gateId"].(string); ok {
			return id
		}
	}
	return ""
}

func (r *Reconciler) deriveStatus(taskID string, agent *model.AgentInstance, wasCancelled bool) Status {
	if wasCancelled {
		return StatusCancelled
	}

	agentDir := r.AgentDir(taskID, agent.InstanceID)
	finalOutputPath := filepath.Join(agentDir, "artifacts", "final.json")
	if content, err := os.ReadFile(finalOutputPath); err == nil {
		var final model.WorkerFinalOutput
		if err := json.Unmarshal(content, &final); err == nil {
			switch final.Status {
			case model.WorkerSuccess:
				return StatusCompleted
			case model.WorkerBlocked:
				return StatusBlocked
			default:
				return StatusFailed
			}
		}
	}

	if pid, ok := readPID(filepath.Join(agentDir, "runtime", "pid")); ok {
		if procutil.IsAlive(pid) {
			return StatusRunning
		}
	}

	switch agent.State {
	case model.AgentActive:
		return StatusFailed
	case model.AgentAwaiting:
		return StatusBlocked
	case model.AgentCompleted:
		return StatusCompleted
	case model.AgentFailed:
		return StatusFailed
	default: // pending, dormant
		return StatusRunning
	}
}

func mapStatusToAgentState(status Status) (model.AgentState, string) {
	switch status {
	case StatusRunning:
		return model.AgentActive, ""
	case StatusCompleted:
		return model.AgentCompleted, "agent.completed"
	case StatusBlocked:
		return model.AgentAwaiting, "agent.blocked"
	case StatusFailed:
		return model.AgentFailed, "agent.failed"
	case StatusCancelled:
		return model.AgentFailed, "agent.cancelled"
	default:
		return model.AgentPending, ""
	}
}

// upsertBlockedGate aligns task.Gates and the event log to a blocked
// instance, reporting whether it actually mutated anything so callers can
// skip a write when the gate, reason, and event were already in place.
func (r *Reconciler) upsertBlockedGate(task *model.Task, instanceID string, seenGateEvent map[string]bool, now time.Time) (bool, error) {
	gateID := "gate-" + instanceID
	reason := r.blockedReason(task.ID, instanceID)
	changed := false

	gate, found := task.FindGate(gateID)
	if !found {
		task.Gates = append(task.Gates, model.Gate{
			ID:        gateID,
			Type:      model.GateHumanApproval,
			State:     model.GateBlocked,
			Reason:    reason,
			BlockedAt: &now,
		})
		changed = true
	} else if gate.State != model.GateBlocked || gate.Reason != reason {
		gate.State = model.GateBlocked
		gate.Reason = reason
		gate.BlockedAt = &now
		gate.ResolvedAt = nil
		changed = true
	}

	if !seenGateEvent["gate.blocked:"+gateID] {
		if err := r.store.AppendTaskEvent(task.ID, model.TaskEvent{
			Timestamp: now,
			Type:      "gate.blocked",
			TaskID:    task.ID,
			Instance:  instanceID,
			Payload:   map[string]interface{}{"gateId": gateID, "reason": reason},
		}); err != nil {
			return changed, err
		}
		seenGateEvent["gate.blocked:"+gateID] = true
		changed = true
	}
	return changed, nil
}

func (r *Reconciler) blockedReason(taskID, instanceID string) string {
	finalOutputPath := filepath.Join(r.AgentDir(taskID, instanceID), "artifacts", "final.json")
	content, err := os.ReadFile(finalOutputPath)
	if err != nil {
		return "blocked by " + instanceID
	}
	var final model.WorkerFinalOutput
	if err := json.Unmarshal(content, &final); err != nil {
		return "blocked by " + instanceID
	}
	if len(final.Questions) > 0 {
		if len(final.Questions) == 1 {
			return final.Questions[0]
		}
		return fmt.Sprintf("%s (+%d more)", final.Questions[0], len(final.Questions)-1)
	}
	if final.Summary != "" {
		return trim(final.Summary, 200)
	}
	return "blocked by " + instanceID
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// repairSessionThreadID rewrites session.json when it lacks a thread id
// but the events log already recorded one via a thread.started line. This
// is pure repair: no task.yaml fields change and no events are emitted.
func (r *Reconciler) repairSessionThreadID(taskID string, task *model.Task) bool {
	repairedAny := false
	for _, agent := range task.Roster {
		agentDir := r.AgentDir(taskID, agent.InstanceID)
		sessionPath := filepath.Join(agentDir, "session.json")
		content, err := os.ReadFile(sessionPath)
		if err != nil {
			continue
		}
		var session model.SessionDescriptor
		if err := json.Unmarshal(content, &session); err != nil {
			continue
		}
		if session.VendorSession.ThreadID != "" {
			continue
		}

		threadID, ok := findThreadIDInEventsLog(filepath.Join(agentDir, "runtime", "events.jsonl"))
		if !ok {
			continue
		}
		session.VendorSession.ThreadID = threadID
		out, err := json.MarshalIndent(session, "", "  ")
		if err != nil {
			continue
		}
		if err := os.WriteFile(sessionPath, out, 0o644); err == nil {
			repairedAny = true
		}
	}
	return repairedAny
}

func findThreadIDInEventsLog(path string) (string, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var value map[string]interface{}
		if err := json.Unmarshal([]byte(line), &value); err != nil {
			continue
		}
		if value["type"] != "thread.started" {
			continue
		}
		if id, ok := value["thread_id"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func readPID(path string) (int, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
