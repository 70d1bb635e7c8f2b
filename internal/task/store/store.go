// Package store persists Tasks and their event logs to the filesystem, one
// directory per task under <workspaceRoot>/.<namespace>/tasks/<taskID>/.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/task/model"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store is a filesystem-backed Task repository.
type Store struct {
	workspaceRoot string
	namespace     string
}

// New returns a Store rooted at workspaceRoot, scoping all task directories
// under .<namespace>/tasks.
func New(workspaceRoot, namespace string) *Store {
	return &Store{workspaceRoot: workspaceRoot, namespace: namespace}
}

// WorkspaceRoot returns the configured workspace root.
func (s *Store) WorkspaceRoot() string {
	return s.workspaceRoot
}

// TasksDir returns the directory holding every task subdirectory.
func (s *Store) TasksDir() string {
	return filepath.Join(s.workspaceRoot, "."+s.namespace, "tasks")
}

// TaskDir returns the directory for a single task.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.TasksDir(), taskID)
}

func (s *Store) ensureTasksDir() error {
	return os.MkdirAll(s.TasksDir(), 0o755)
}

// ListTasks returns every task, most-recently-updated first.
func (s *Store) ListTasks() ([]*model.Task, error) {
	if err := s.ensureTasksDir(); err != nil {
		return nil, apperrors.IO("create tasks dir", err)
	}

	entries, err := os.ReadDir(s.TasksDir())
	if err != nil {
		return nil, apperrors.IO("read tasks dir", err)
	}

	var tasks []*model.Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		if strings.HasPrefix(taskID, ".") || taskID == "placeholder" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.TaskDir(taskID), "task.yaml")); err != nil {
			continue
		}
		task, err := s.ReadTask(taskID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})

	return tasks, nil
}

// ReadTask loads a single task by id.
func (s *Store) ReadTask(taskID string) (*model.Task, error) {
	taskYAMLPath := filepath.Join(s.TaskDir(taskID), "task.yaml")
	content, err := os.ReadFile(taskYAMLPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("task", taskID)
		}
		return nil, apperrors.IO("read task.yaml", err)
	}

	var task model.Task
	if err := yaml.Unmarshal(content, &task); err != nil {
		return nil, apperrors.YAML("parse task.yaml", err)
	}
	return &task, nil
}

// WriteTask persists task.yaml, creating the task directory if needed.
func (s *Store) WriteTask(task *model.Task) error {
	if err := s.ensureTasksDir(); err != nil {
		return apperrors.IO("create tasks dir", err)
	}
	taskDir := s.TaskDir(task.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return apperrors.IO("create task dir", err)
	}

	out, err := yaml.Marshal(task)
	if err != nil {
		return apperrors.YAML("marshal task.yaml", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "task.yaml"), out, 0o644); err != nil {
		return apperrors.IO("write task.yaml", err)
	}
	return nil
}

// ReadTaskEvents returns events for a task, optionally filtered by a type
// prefix, applying offset then limit. limit of 0 means unbounded.
func (s *Store) ReadTaskEvents(taskID, eventTypePrefix string, limit, offset int) ([]model.TaskEvent, error) {
	eventsPath := filepath.Join(s.TaskDir(taskID), "events.jsonl")
	f, err := os.Open(eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.IO("open events.jsonl", err)
	}
	defer f.Close()

	var events []model.TaskEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event model.TaskEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, apperrors.JSON("parse event line", err)
		}
		if eventTypePrefix != "" && !strings.HasPrefix(event.Type, eventTypePrefix) {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.IO("scan events.jsonl", err)
	}

	if offset > len(events) {
		offset = len(events)
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events, nil
}

// AppendTaskEvent appends a single event line to events.jsonl.
func (s *Store) AppendTaskEvent(taskID string, event model.TaskEvent) error {
	taskDir := s.TaskDir(taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return apperrors.IO("create task dir", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return apperrors.JSON("marshal event", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(taskDir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.IO("open events.jsonl", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return apperrors.IO("append event", err)
	}
	return nil
}

// CreateTask scaffolds a new task directory: task.yaml, shared/human-notes.md,
// shared/context-manifest.yaml, shared/evidence/index.json, agents/,
// README.md, and a task.created event.
func (s *Store) CreateTask(req model.CreateTaskRequest) (*model.CreateTaskResponse, error) {
	if err := s.ensureTasksDir(); err != nil {
		return nil, apperrors.IO("create tasks dir", err)
	}

	taskID := generateTaskID()
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cfg := model.DefaultTaskConfig()
	if req.Config != nil {
		cfg = *req.Config
	}

	task := &model.Task{
		ID:          taskID,
		Title:       req.Title,
		Description: req.Description,
		Topology:    req.Topology,
		State:       model.TaskCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Milestones:  req.Milestones,
		Roster:      req.Roster,
		Gates:       nil,
		Config:      cfg,
	}

	taskDir := s.TaskDir(taskID)
	sharedDir := filepath.Join(taskDir, "shared")
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return nil, apperrors.IO("create shared dir", err)
	}
	if err := os.MkdirAll(filepath.Join(taskDir, "agents"), 0o755); err != nil {
		return nil, apperrors.IO("create agents dir", err)
	}
	if err := s.WriteTask(task); err != nil {
		return nil, err
	}

	humanNotesPath := filepath.Join(sharedDir, "human-notes.md")
	if _, err := os.Stat(humanNotesPath); os.IsNotExist(err) {
		content := "# Human Notes\n\n- Record human clarifications, constraints, and corrections here.\n"
		if err := os.WriteFile(humanNotesPath, []byte(content), 0o644); err != nil {
			return nil, apperrors.IO("write human-notes.md", err)
		}
	}

	contextManifestPath := filepath.Join(sharedDir, "context-manifest.yaml")
	if _, err := os.Stat(contextManifestPath); os.IsNotExist(err) {
		if err := os.WriteFile(contextManifestPath, []byte("attachments: []\n"), 0o644); err != nil {
			return nil, apperrors.IO("write context-manifest.yaml", err)
		}
	}

	// Evidence Index (artifacts-first): an append-only-friendly index of
	// pointers so reports can cite evidence without dumping raw logs.
	evidenceDir := filepath.Join(sharedDir, "evidence")
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		return nil, apperrors.IO("create evidence dir", err)
	}
	evidenceIndexPath := filepath.Join(evidenceDir, "index.json")
	if _, err := os.Stat(evidenceIndexPath); os.IsNotExist(err) {
		if err := os.WriteFile(evidenceIndexPath, []byte("[]\n"), 0o644); err != nil {
			return nil, apperrors.IO("write evidence index", err)
		}
	}

	readmePath := filepath.Join(taskDir, "README.md")
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		readme := fmt.Sprintf("# %s\n\n- id: `%s`\n- topology: `%s`\n- state: `%s`\n",
			task.Title, task.ID, task.Topology, task.State)
		if err := os.WriteFile(readmePath, []byte(readme), 0o644); err != nil {
			return nil, apperrors.IO("write README.md", err)
		}
	}

	createdEvent := model.TaskEvent{
		Timestamp: now,
		Type:      "task.created",
		TaskID:    taskID,
		Payload:   map[string]interface{}{},
		By:        "user",
	}
	if err := s.AppendTaskEvent(taskID, createdEvent); err != nil {
		return nil, err
	}

	return &model.CreateTaskResponse{
		ID:      taskID,
		Message: "Task created successfully",
	}, nil
}

func validateTaskID(taskID string) error {
	if taskID == "" || !taskIDPattern.MatchString(taskID) {
		return apperrors.InvalidID(taskID)
	}
	return nil
}

func generateTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
