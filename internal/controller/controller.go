// Package controller drives a declarative Plan to completion: dispatching
// batch and persistent agent instances with admission backpressure,
// monitoring them to a terminal outcome, and joining their final outputs
// into a shared report while maintaining a live StateBoard.
package controller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/reconcile"
	"github.com/kandev/taskmesh/internal/rpc"
	"github.com/kandev/taskmesh/internal/supervisor"
	"github.com/kandev/taskmesh/internal/task/model"
	"github.com/kandev/taskmesh/internal/task/store"
)

// State is one node of the Controller's own state machine, persisted via
// controller.state.changed events.
type State string

const (
	StateDispatching State = "dispatching"
	StateMonitoring  State = "monitoring"
	StateJoining     State = "joining"
	StateBlocked     State = "blocked"
	StateDone        State = "done"
)

// Outcome is the terminal result of RunActions.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeBlocked Outcome = "blocked"
)

// Adapter names the execution strategy for one Plan task.
type Adapter string

const (
	AdapterBatch      Adapter = "batch"
	AdapterPersistent Adapter = "persistent"
)

// Mode selects how a persistent-adapter task starts its thread.
type Mode string

const (
	ModeSpawn Mode = "spawn"
	ModeFork  Mode = "fork"
)

// PlanTask is one subtask of a Plan.
type PlanTask struct {
	TaskID             string  `json:"taskId"`
	AgentInstance      string  `json:"agentInstance,omitempty"`
	Title              string  `json:"title"`
	Agent              string  `json:"agent"`
	Adapter            Adapter `json:"adapter"`
	Prompt             string  `json:"prompt"`
	Mode               Mode    `json:"mode,omitempty"`
	ForkedFromThreadID string  `json:"forkedFromThreadId,omitempty"`
	Cwd                string  `json:"cwd,omitempty"`
	OutputSchemaPath   string  `json:"outputSchemaPath,omitempty"`
}

// ResolvedAgentInstance returns AgentInstance, defaulting to TaskID when
// the task declaration didn't set one explicitly.
func (t PlanTask) ResolvedAgentInstance() string {
	if t.AgentInstance != "" {
		return t.AgentInstance
	}
	return t.TaskID
}

// Plan is the declarative input to RunActions.
type Plan struct {
	SessionGoal string     `json:"sessionGoal"`
	Tasks       []PlanTask `json:"tasks"`
}

// Options configures the defaults a Plan's tasks fall back to.
type Options struct {
	VendorBin        string
	OutputSchemaPath string
	DefaultCwd       string
	PollInterval     time.Duration
	TimeoutSeconds   int
}

// RunResult is returned once RunActions reaches a terminal state.
type RunResult struct {
	Outcome       Outcome
	JoinedSummary *JoinResult
}

// Controller coordinates the Task Store, Reconciler, Supervisor, and RPC
// Session Pool to drive one Plan to completion.
type Controller struct {
	store      *store.Store
	reconciler *reconcile.Reconciler
	supervisor *supervisor.Supervisor
	pool       *rpc.Pool
	log        *logger.Logger
}

// New constructs a Controller over the given components.
func New(s *store.Store, r *reconcile.Reconciler, sv *supervisor.Supervisor, pool *rpc.Pool, log *logger.Logger) *Controller {
	return &Controller{store: s, reconciler: r, supervisor: sv, pool: pool, log: log.WithFields()}
}

// RunActions executes one full controller loop over plan against taskID.
func (c *Controller) RunActions(ctx context.Context, taskID string, plan Plan, opts Options) (*RunResult, error) {
	if _, err := c.store.ReadTask(taskID); err != nil {
		return nil, err
	}

	if err := c.setTaskStateWorking(taskID); err != nil {
		return nil, err
	}

	if err := c.writeControllerState(taskID, StateDispatching, plan.SessionGoal); err != nil {
		return nil, err
	}
	if err := c.writeStateBoard(taskID, plan, StateDispatching, nil); err != nil {
		return nil, err
	}

	if err := c.dispatchActions(ctx, taskID, plan, opts); err != nil {
		return nil, err
	}

	if err := c.writeControllerState(taskID, StateMonitoring, ""); err != nil {
		return nil, err
	}
	if err := c.writeStateBoard(taskID, plan, StateMonitoring, nil); err != nil {
		return nil, err
	}

	outcome, err := c.monitorUntilTerminal(ctx, taskID, plan, opts)
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeBlocked {
		if err := c.writeControllerState(taskID, StateBlocked, ""); err != nil {
			return nil, err
		}
		if err := c.writeStateBoard(taskID, plan, StateBlocked, nil); err != nil {
			return nil, err
		}
		return &RunResult{Outcome: OutcomeBlocked}, nil
	}

	if err := c.writeControllerState(taskID, StateJoining, ""); err != nil {
		return nil, err
	}
	if err := c.writeStateBoard(taskID, plan, StateJoining, nil); err != nil {
		return nil, err
	}

	joined, err := c.Join(taskID)
	if err != nil {
		return nil, err
	}

	if err := c.writeControllerState(taskID, StateDone, ""); err != nil {
		return nil, err
	}
	if err := c.writeStateBoard(taskID, plan, StateDone, joined); err != nil {
		return nil, err
	}

	return &RunResult{Outcome: OutcomeDone, JoinedSummary: joined}, nil
}

func (c *Controller) setTaskStateWorking(taskID string) error {
	task, err := c.store.ReadTask(taskID)
	if err != nil {
		return err
	}
	if task.State == model.TaskCreated {
		task.State = model.TaskWorking
		task.UpdatedAt = time.Now().UTC()
		return c.store.WriteTask(task)
	}
	return nil
}

func (c *Controller) dispatchActions(ctx context.Context, taskID string, plan Plan, opts Options) error {
	task, err := c.store.ReadTask(taskID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(task.Roster))
	for _, agent := range task.Roster {
		existing[agent.InstanceID] = true
	}

	remaining := make([]PlanTask, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if !existing[t.ResolvedAgentInstance()] {
			remaining = append(remaining, t)
		}
	}

	idx := 0
	for idx < len(remaining) {
		subtask := remaining[idx]
		switch subtask.Adapter {
		case AdapterBatch:
			err := c.dispatchBatch(ctx, taskID, subtask, opts)
			if err == nil {
				idx++
				continue
			}
			if apperrors.Is(err, apperrors.KindConcurrencyLimit) {
				timeout := timeoutFor(opts)
				if _, _, waitErr := c.supervisor.WaitAny(ctx, taskID, timeout); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		case AdapterPersistent:
			if err := c.runPersistentOneTurn(ctx, taskID, subtask, opts); err != nil {
				return err
			}
			idx++
		default:
			return apperrors.UnsupportedAdapter(string(subtask.Adapter))
		}
	}

	return nil
}

func (c *Controller) dispatchBatch(ctx context.Context, taskID string, subtask PlanTask, opts Options) error {
	cwd := resolveOptionalPath(subtask.Cwd, opts.DefaultCwd)
	schemaPath := subtask.OutputSchemaPath
	if schemaPath == "" {
		schemaPath = opts.OutputSchemaPath
	} else if !filepath.IsAbs(schemaPath) {
		schemaPath = filepath.Join(opts.DefaultCwd, schemaPath)
	}

	return c.supervisor.Spawn(ctx, supervisor.SpawnRequest{
		TaskID:           taskID,
		InstanceID:       subtask.ResolvedAgentInstance(),
		Agent:            subtask.Agent,
		Cwd:              cwd,
		Prompt:           subtask.Prompt,
		OutputSchemaPath: schemaPath,
		VendorBin:        opts.VendorBin,
	})
}

func (c *Controller) monitorUntilTerminal(ctx context.Context, taskID string, plan Plan, opts Options) (Outcome, error) {
	expected := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		expected[t.ResolvedAgentInstance()] = true
	}

	for {
		_, statuses, err := c.reconciler.Reconcile(taskID)
		if err != nil {
			return "", err
		}

		allTerminal := true
		anyBlocked := false
		for instance, status := range statuses {
			if !expected[instance] {
				continue
			}
			if status == reconcile.StatusBlocked {
				anyBlocked = true
			}
			if status == reconcile.StatusRunning {
				allTerminal = false
			}
		}

		if anyBlocked {
			return OutcomeBlocked, nil
		}
		if allTerminal {
			return OutcomeDone, nil
		}

		timeout := timeoutFor(opts)
		if _, _, err := c.supervisor.WaitAny(ctx, taskID, timeout); err != nil {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollIntervalFor(opts)):
		}
	}
}

func (c *Controller) writeControllerState(taskID string, state State, sessionGoal string) error {
	payload := map[string]interface{}{"state": string(state)}
	if sessionGoal != "" {
		payload["sessionGoal"] = sessionGoal
	}
	return c.store.AppendTaskEvent(taskID, model.TaskEvent{
		Timestamp: time.Now().UTC(),
		Type:      "controller.state.changed",
		TaskID:    taskID,
		Payload:   payload,
		By:        "controller",
	})
}

func resolveOptionalPath(value, defaultBase string) string {
	if value == "" {
		return defaultBase
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(defaultBase, value)
}

func timeoutFor(opts Options) time.Duration {
	if opts.TimeoutSeconds > 0 {
		return time.Duration(opts.TimeoutSeconds) * time.Second
	}
	return time.Duration(model.DefaultTaskConfig().TimeoutSeconds) * time.Second
}

func pollIntervalFor(opts Options) time.Duration {
	if opts.PollInterval > 0 {
		return opts.PollInterval
	}
	return 250 * time.Millisecond
}

// extractJSONFromText returns the best-effort JSON object embedded in
// text: the whole trimmed string if it already looks like an object,
// otherwise the first "{...}" substring.
func extractJSONFromText(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, true
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < 0 || end <= start {
		return "", false
	}
	return trimmed[start : end+1], true
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.JSON("marshal "+filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.IO("create dir for "+filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.IO("write "+filepath.Base(path), err)
	}
	return nil
}
