// Package model defines the on-disk data model shared by the Task Store,
// Reconciler, Supervisor, and Controller.
package model

import "time"

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskCreated        TaskState = "created"
	TaskWorking        TaskState = "working"
	TaskInputRequired  TaskState = "input-required"
	TaskCompleted      TaskState = "completed"
	TaskFailed         TaskState = "failed"
	TaskCanceled       TaskState = "canceled"
)

// IsTerminal reports whether no further state transitions are permitted.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Topology is the closed set of task topologies.
type Topology string

const (
	TopologySwarm Topology = "swarm"
	TopologySquad Topology = "squad"
)

// AgentState is the lifecycle state of a roster entry.
type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentActive    AgentState = "active"
	AgentAwaiting  AgentState = "awaiting"
	AgentDormant   AgentState = "dormant"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
)

// GateType is the closed set of gate kinds.
type GateType string

const (
	GateHumanApproval GateType = "human-approval"
	GateAutoCheck     GateType = "auto-check"
	GateMilestoneGate GateType = "milestone-gate"
)

// GateState is the lifecycle state of a Gate.
type GateState string

const (
	GateOpen     GateState = "open"
	GateBlocked  GateState = "blocked"
	GateApproved GateState = "approved"
	GateRejected GateState = "rejected"
)

// Milestone is an ordered unit of planned work within a Task.
type Milestone struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// AgentInstance is one scheduled occurrence of an agent role within a task.
type AgentInstance struct {
	InstanceID string     `yaml:"instanceId" json:"instanceId"`
	Agent      string     `yaml:"agent" json:"agent"`
	State      AgentState `yaml:"state" json:"state"`
	Milestone  string     `yaml:"milestone,omitempty" json:"milestone,omitempty"`
	Skills     []string   `yaml:"skills,omitempty" json:"skills,omitempty"`
}

// Gate is a synchronization point that can block task progress.
type Gate struct {
	ID           string     `yaml:"id" json:"id"`
	Type         GateType   `yaml:"type" json:"type"`
	State        GateState  `yaml:"state" json:"state"`
	Reason       string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	Instructions string     `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	BlockedAt    *time.Time `yaml:"blockedAt,omitempty" json:"blockedAt,omitempty"`
	ResolvedAt   *time.Time `yaml:"resolvedAt,omitempty" json:"resolvedAt,omitempty"`
	Resolver     string     `yaml:"resolver,omitempty" json:"resolver,omitempty"`
}

// TaskConfig holds per-task supervisor defaults.
type TaskConfig struct {
	MaxConcurrentAgents int  `yaml:"maxConcurrentAgents" json:"maxConcurrentAgents"`
	TimeoutSeconds      int  `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	AutoApprove         bool `yaml:"autoApprove" json:"autoApprove"`
}

// DefaultTaskConfig returns the spec's documented defaults.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		MaxConcurrentAgents: 3,
		TimeoutSeconds:      3600,
		AutoApprove:         false,
	}
}

// Task is the top-level unit of work, serialized as task.yaml.
type Task struct {
	ID          string          `yaml:"id" json:"id"`
	Title       string          `yaml:"title" json:"title"`
	Description string          `yaml:"description" json:"description"`
	Topology    Topology        `yaml:"topology" json:"topology"`
	State       TaskState       `yaml:"state" json:"state"`
	CreatedAt   time.Time       `yaml:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time       `yaml:"updatedAt" json:"updatedAt"`
	Milestones  []Milestone     `yaml:"milestones" json:"milestones"`
	Roster      []AgentInstance `yaml:"roster" json:"roster"`
	Gates       []Gate          `yaml:"gates" json:"gates"`
	Config      TaskConfig      `yaml:"config" json:"config"`
}

// FindAgent returns the roster entry for instanceID, if present.
func (t *Task) FindAgent(instanceID string) (*AgentInstance, bool) {
	for i := range t.Roster {
		if t.Roster[i].InstanceID == instanceID {
			return &t.Roster[i], true
		}
	}
	return nil, false
}

// FindGate returns the gate with the given id, if present.
func (t *Task) FindGate(id string) (*Gate, bool) {
	for i := range t.Gates {
		if t.Gates[i].ID == id {
			return &t.Gates[i], true
		}
	}
	return nil, false
}

// TaskEvent is one append-only line of events.jsonl.
type TaskEvent struct {
	Timestamp  time.Time   `json:"ts"`
	Type       string      `json:"type"`
	TaskID     string      `json:"taskId"`
	Instance   string      `json:"agentInstance,omitempty"`
	TurnID     string      `json:"turnId,omitempty"`
	Payload    interface{} `json:"payload"`
	By         string      `json:"by,omitempty"`
	Path       string      `json:"path,omitempty"`
}

// CreateTaskRequest is the input to Store.CreateTask.
type CreateTaskRequest struct {
	Title       string
	Description string
	Topology    Topology
	Milestones  []Milestone
	Roster      []AgentInstance
	Config      *TaskConfig
}

// CreateTaskResponse is returned by Store.CreateTask.
type CreateTaskResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// WorkerStatus is the closed set of statuses a worker's final artifact may
// report.
type WorkerStatus string

const (
	WorkerSuccess WorkerStatus = "success"
	WorkerBlocked WorkerStatus = "blocked"
	WorkerFailed  WorkerStatus = "failed"
)

// WorkerFinalOutput is the per-agent artifacts/final.json contract.
type WorkerFinalOutput struct {
	Status      WorkerStatus           `json:"status"`
	Summary     string                 `json:"summary"`
	Artifacts   map[string]interface{} `json:"artifacts,omitempty"`
	Questions   []string               `json:"questions"`
	NextActions []string               `json:"nextActions"`
	Errors      []string               `json:"errors"`
}

// VendorSession describes the vendor tool process backing an agent
// instance.
type VendorSession struct {
	Tool      string `json:"tool"`
	ThreadID  string `json:"threadId,omitempty"`
	Cwd       string `json:"cwd"`
	CodexHome string `json:"codexHome"`
}

// Recording records the portable, relative paths to an agent's captured
// I/O.
type Recording struct {
	Events   string `json:"events"`
	Stderr   string `json:"stderr"`
	Requests string `json:"requests,omitempty"`
}

// SessionDescriptor is the session.json contract.
type SessionDescriptor struct {
	Adapter       string        `json:"adapter"`
	VendorSession VendorSession `json:"vendorSession"`
	Recording     Recording     `json:"recording"`
}

// EvidenceSource is one typed pointer inside an Evidence Entry.
type EvidenceSource struct {
	Kind string `json:"kind"` // file-anchor | command-execution | runtime-event-range
	Ref  string `json:"ref"`
}

// ClusterStatus is a lightweight, always-available introspection snapshot:
// orchestrator liveness, vendor-adapter connectivity (from the Session
// Pool), and the active/max agent counts (running agents across all tasks
// and the configured maximum).
type ClusterStatus struct {
	Orchestrator  string `json:"orchestrator"`
	VendorAdapter string `json:"vendorAdapter"`
	ActiveAgents  int    `json:"activeAgents"`
	MaxAgents     int    `json:"maxAgents"`
}

// EvidenceEntry is one element of shared/evidence/index.json.
type EvidenceEntry struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Title     string           `json:"title"`
	Summary   string           `json:"summary"`
	CreatedAt time.Time        `json:"createdAt"`
	Sources   []EvidenceSource `json:"sources"`
	Artifacts []string         `json:"artifacts,omitempty"`
}
