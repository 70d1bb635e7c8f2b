// Package supervisor spawns, waits on, and cancels batch-mode agent
// instances, enforcing a concurrency ceiling and a graded shutdown
// signal escalation.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/procutil"
	"github.com/kandev/taskmesh/internal/reconcile"
	"github.com/kandev/taskmesh/internal/task/model"
	"github.com/kandev/taskmesh/internal/task/store"
	"github.com/kandev/taskmesh/internal/worker/batch"
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const defaultPollInterval = 250 * time.Millisecond

// SpawnRequest describes one agent instance to admit and start.
type SpawnRequest struct {
	TaskID           string
	InstanceID       string
	Agent            string
	Milestone        string
	Cwd              string
	Prompt           string
	OutputSchemaPath string
	VendorBin        string
}

// Supervisor owns the subprocess lifecycle (spawn/wait/cancel) for batch
// agent instances, deferring all status derivation to the Reconciler.
type Supervisor struct {
	store        *store.Store
	reconciler   *reconcile.Reconciler
	log          *logger.Logger
	pollInterval time.Duration
}

// New constructs a Supervisor over s, deriving status via r.
func New(s *store.Store, r *reconcile.Reconciler, log *logger.Logger) *Supervisor {
	return &Supervisor{store: s, reconciler: r, log: log.WithFields(), pollInterval: defaultPollInterval}
}

// SetPollInterval overrides the waitAny polling cadence (default 250ms).
func (sv *Supervisor) SetPollInterval(d time.Duration) {
	sv.pollInterval = d
}

// Spawn admits and starts one batch agent instance, subject to the task's
// configured concurrency ceiling.
func (sv *Supervisor) Spawn(ctx context.Context, req SpawnRequest) error {
	if req.InstanceID == "" || !instanceIDPattern.MatchString(req.InstanceID) {
		return apperrors.InvalidID(req.InstanceID)
	}

	task, statuses, err := sv.reconciler.Reconcile(req.TaskID)
	if err != nil {
		return err
	}
	if _, exists := task.FindAgent(req.InstanceID); exists {
		return apperrors.AlreadyExists("agent instance", req.InstanceID)
	}
	agentDir := sv.reconciler.AgentDir(req.TaskID, req.InstanceID)
	if _, err := os.Stat(filepath.Join(agentDir, "runtime")); err == nil {
		return apperrors.AlreadyExists("agent runtime dir", req.InstanceID)
	}

	running := 0
	for _, status := range statuses {
		if status == reconcile.StatusRunning {
			running++
		}
	}
	limit := task.Config.MaxConcurrentAgents
	if limit <= 0 {
		limit = model.DefaultTaskConfig().MaxConcurrentAgents
	}
	if running >= limit {
		return apperrors.ConcurrencyLimit(running, limit)
	}

	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return apperrors.IO("create agent dir", err)
	}

	worker, err := batch.Spawn(ctx, batch.StartRequest{
		AgentDir:         agentDir,
		Cwd:              req.Cwd,
		Prompt:           req.Prompt,
		OutputSchemaPath: req.OutputSchemaPath,
		VendorBin:        req.VendorBin,
	}, sv.log)
	if err != nil {
		return err
	}

	pid := worker.PID()
	if err := os.WriteFile(filepath.Join(agentDir, "runtime", "pid"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = worker.Kill()
		return apperrors.IO("write pid file", err)
	}

	task.Roster = append(task.Roster, model.AgentInstance{
		InstanceID: req.InstanceID,
		Agent:      req.Agent,
		State:      model.AgentActive,
		Milestone:  req.Milestone,
	})
	task.UpdatedAt = time.Now().UTC()
	if err := sv.store.WriteTask(task); err != nil {
		return err
	}

	if err := sv.store.AppendTaskEvent(req.TaskID, model.TaskEvent{
		Timestamp: task.UpdatedAt,
		Type:      "agent.started",
		TaskID:    req.TaskID,
		Instance:  req.InstanceID,
		Payload:   map[string]interface{}{},
	}); err != nil {
		return err
	}

	// The worker runs to completion in the background; its exit is
	// observed later via the Reconciler (final.json / pid liveness), not
	// by blocking here.
	go func() {
		if _, err := worker.Wait(); err != nil {
			sv.log.WithInstanceID(req.InstanceID).Warn("batch worker exited abnormally", zap.Error(err))
		}
	}()

	return nil
}

// WaitAny polls the Reconciler until some instance's derived status is no
// longer running, or timeout elapses. When several are, the first in roster
// order is returned.
func (sv *Supervisor) WaitAny(ctx context.Context, taskID string, timeout time.Duration) (string, reconcile.Status, error) {
	deadline := time.Now().Add(timeout)
	for {
		task, statuses, err := sv.reconciler.Reconcile(taskID)
		if err != nil {
			return "", "", err
		}
		for _, agent := range task.Roster {
			if status := statuses[agent.InstanceID]; status != reconcile.StatusRunning {
				return agent.InstanceID, status, nil
			}
		}

		if time.Now().After(deadline) {
			return "", "", apperrors.WaitAnyTimeout(int(timeout / time.Second))
		}

		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(sv.pollInterval):
		}
	}
}

// Cancel escalates SIGINT -> SIGTERM -> SIGKILL against the instance's
// recorded pid, removing the pid file once the process has confirmed
// exited so stale running counts can't persist.
func (sv *Supervisor) Cancel(ctx context.Context, taskID, instanceID string) error {
	agentDir := sv.reconciler.AgentDir(taskID, instanceID)
	pidPath := filepath.Join(agentDir, "runtime", "pid")

	pid, ok := readPID(pidPath)
	if ok {
		if err := escalate(ctx, pid); err != nil {
			return err
		}
		_ = os.Remove(pidPath)
	}

	task, err := sv.store.ReadTask(taskID)
	if err != nil {
		return err
	}
	if agent, found := task.FindAgent(instanceID); found {
		agent.State = model.AgentFailed
		task.UpdatedAt = time.Now().UTC()
		if err := sv.store.WriteTask(task); err != nil {
			return err
		}
	}

	events, err := sv.store.ReadTaskEvents(taskID, "agent.cancelled", 0, 0)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if evt.Instance == instanceID {
			return nil // already recorded
		}
	}

	return sv.store.AppendTaskEvent(taskID, model.TaskEvent{
		Timestamp: time.Now().UTC(),
		Type:      "agent.cancelled",
		TaskID:    taskID,
		Instance:  instanceID,
		Payload:   map[string]interface{}{},
	})
}

func escalate(ctx context.Context, pid int) error {
	if !procutil.IsAlive(pid) {
		return nil
	}
	if err := procutil.Interrupt(pid); err != nil {
		return apperrors.IO("send SIGINT", err)
	}
	if waitForExit(ctx, pid, 3*time.Second) {
		return nil
	}

	if err := procutil.Terminate(pid); err != nil {
		return apperrors.IO("send SIGTERM", err)
	}
	if waitForExit(ctx, pid, 2*time.Second) {
		return nil
	}

	if err := procutil.Kill(pid); err != nil {
		return apperrors.IO("send SIGKILL", err)
	}
	return nil
}

func waitForExit(ctx context.Context, pid int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if !procutil.IsAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !procutil.IsAlive(pid)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return !procutil.IsAlive(pid)
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
