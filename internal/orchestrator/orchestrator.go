// Package orchestrator composes the Task Store, Supervisor, Reconciler,
// and Session Pool behind the operations a front-end (CLI or otherwise)
// actually calls. It owns no state of its own; every method delegates.
package orchestrator

import (
	"context"
	"time"

	"github.com/kandev/taskmesh/internal/common/config"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/reconcile"
	"github.com/kandev/taskmesh/internal/rpc"
	"github.com/kandev/taskmesh/internal/supervisor"
	"github.com/kandev/taskmesh/internal/task/model"
	"github.com/kandev/taskmesh/internal/task/store"
)

// Orchestrator is a thin facade; it holds references to the components
// that actually own state and forwards to them.
type Orchestrator struct {
	store      *store.Store
	reconciler *reconcile.Reconciler
	supervisor *supervisor.Supervisor
	pool       *rpc.Pool
	cfg        *config.Config
}

// New constructs an Orchestrator rooted at cfg.Workspace.Root, wiring a Store,
// Reconciler, Supervisor, and Session Pool from cfg.
func New(cfg *config.Config, log *logger.Logger) *Orchestrator {
	s := store.New(cfg.Workspace.Root, cfg.Workspace.Namespace)
	r := reconcile.New(s, log)
	sv := supervisor.New(s, r, log)
	sv.SetPollInterval(cfg.Supervisor.PollInterval())
	pool := rpc.NewPool(cfg.VendorTool.MaxPoolServers, rpc.DefaultSpawner(cfg.VendorTool.Bin, nil), log)

	return &Orchestrator{store: s, reconciler: r, supervisor: sv, pool: pool, cfg: cfg}
}

// Store returns the underlying Task Store, for callers (such as the
// Controller) that need direct access beyond this facade's operations.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Reconciler returns the underlying Reconciler.
func (o *Orchestrator) Reconciler() *reconcile.Reconciler { return o.reconciler }

// Supervisor returns the underlying Supervisor.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor { return o.supervisor }

// Pool returns the underlying Session Pool.
func (o *Orchestrator) Pool() *rpc.Pool { return o.pool }

// ListTasks lists every task, sorted by UpdatedAt descending.
func (o *Orchestrator) ListTasks() ([]*model.Task, error) {
	return o.store.ListTasks()
}

// GetTask reads one task by id.
func (o *Orchestrator) GetTask(taskID string) (*model.Task, error) {
	return o.store.ReadTask(taskID)
}

// GetTaskEvents reads a task's event log, optionally filtered by type
// prefix and paginated by limit/offset.
func (o *Orchestrator) GetTaskEvents(taskID, eventTypePrefix string, limit, offset int) ([]model.TaskEvent, error) {
	return o.store.ReadTaskEvents(taskID, eventTypePrefix, limit, offset)
}

// CreateTask scaffolds a new task.
func (o *Orchestrator) CreateTask(req model.CreateTaskRequest) (*model.CreateTaskResponse, error) {
	return o.store.CreateTask(req)
}

// SubagentSpawn admits and starts one batch agent instance.
func (o *Orchestrator) SubagentSpawn(ctx context.Context, req supervisor.SpawnRequest) error {
	return o.supervisor.Spawn(ctx, req)
}

// SubagentList reconciles taskID and returns its roster alongside each
// instance's derived status.
func (o *Orchestrator) SubagentList(taskID string) (*model.Task, map[string]reconcile.Status, error) {
	return o.reconciler.Reconcile(taskID)
}

// SubagentWaitAny blocks until one agent in taskID leaves the running
// state, or timeout elapses.
func (o *Orchestrator) SubagentWaitAny(ctx context.Context, taskID string, timeout time.Duration) (string, reconcile.Status, error) {
	return o.supervisor.WaitAny(ctx, taskID, timeout)
}

// SubagentCancel escalates a graded shutdown signal to one agent instance.
func (o *Orchestrator) SubagentCancel(ctx context.Context, taskID, instanceID string) error {
	return o.supervisor.Cancel(ctx, taskID, instanceID)
}

// Status reports a lightweight, always-available introspection snapshot:
// orchestrator liveness, vendor-adapter connectivity (derived from whether
// the Session Pool currently holds any live persistent session), and the
// active/max agent counts across every known task.
func (o *Orchestrator) Status() model.ClusterStatus {
	vendorAdapter := "disconnected"
	if o.pool.Len() > 0 {
		vendorAdapter = "connected"
	}

	active := 0
	if tasks, err := o.store.ListTasks(); err == nil {
		for _, task := range tasks {
			_, statuses, err := o.reconciler.Reconcile(task.ID)
			if err != nil {
				continue
			}
			for _, status := range statuses {
				if status == reconcile.StatusRunning {
					active++
				}
			}
		}
	}

	maxAgents := o.cfg.Supervisor.MaxConcurrentAgents
	if maxAgents <= 0 {
		maxAgents = model.DefaultTaskConfig().MaxConcurrentAgents
	}

	return model.ClusterStatus{
		Orchestrator:  "online",
		VendorAdapter: vendorAdapter,
		ActiveAgents:  active,
		MaxAgents:     maxAgents,
	}
}
