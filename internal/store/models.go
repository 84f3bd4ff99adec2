// Package store provides durable, concurrent-safe persistence for projects,
// tasks and worker state. The backing format is JSON files guarded by
// per-file exclusive locks; writes are atomic via temp-file rename.
package store

import (
	"strings"
	"time"
)

// ProjectStatus is the lifecycle state of a managed repository.
type ProjectStatus string

const (
	ProjectCloning ProjectStatus = "cloning"
	ProjectReady   ProjectStatus = "ready"
	ProjectError   ProjectStatus = "error"
)

// SourceType describes where a project's repository comes from.
type SourceType string

const (
	SourceGit   SourceType = "git"
	SourceLocal SourceType = "local"
	SourceNew   SourceType = "new"
)

// Project is a managed code repository.
type Project struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	RepoURL    string        `json:"repo_url,omitempty"`
	LocalPath  string        `json:"local_path,omitempty"`
	Branch     string        `json:"branch"`
	SourceType SourceType    `json:"source_type"`
	AutoMerge  bool          `json:"auto_merge"`
	AutoPush   bool          `json:"auto_push"`
	Status     ProjectStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Origin is the tagged variant describing a project's source.
type Origin interface {
	originKind() SourceType
}

// GitOrigin is a remote clone source.
type GitOrigin struct {
	URL    string
	Branch string
}

// LocalOrigin links an existing local repository.
type LocalOrigin struct {
	Path string
}

// EmptyOrigin is a freshly initialized repository.
type EmptyOrigin struct{}

func (GitOrigin) originKind() SourceType   { return SourceGit }
func (LocalOrigin) originKind() SourceType { return SourceLocal }
func (EmptyOrigin) originKind() SourceType { return SourceNew }

// Origin returns the tagged origin variant for the project.
func (p *Project) Origin() Origin {
	switch p.SourceType {
	case SourceLocal:
		return LocalOrigin{Path: p.LocalPath}
	case SourceNew:
		return EmptyOrigin{}
	default:
		return GitOrigin{URL: p.RepoURL, Branch: p.Branch}
	}
}

// CreateProject is the input for Store.CreateProject.
type CreateProject struct {
	Name       string     `json:"name"`
	RepoURL    string     `json:"repo_url,omitempty"`
	LocalPath  string     `json:"local_path,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	SourceType SourceType `json:"source_type,omitempty"`
	AutoMerge  *bool      `json:"auto_merge,omitempty"`
	AutoPush   *bool      `json:"auto_push,omitempty"`
}

// TaskStatus is a task's position in its state machine.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskPlanPending  TaskStatus = "plan_pending"
	TaskPlanApproved TaskStatus = "plan_approved"
	TaskClaimed      TaskStatus = "claimed"
	TaskRunning      TaskStatus = "running"
	TaskMerging      TaskStatus = "merging"
	TaskTesting      TaskStatus = "testing"
	TaskMergePending TaskStatus = "merge_pending"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// activeStatuses are the states in which a task is bound to a worker.
var activeStatuses = map[TaskStatus]bool{
	TaskClaimed: true,
	TaskRunning: true,
	TaskMerging: true,
	TaskTesting: true,
}

// IsActive reports whether the status binds the task to a worker.
func (s TaskStatus) IsActive() bool { return activeStatuses[s] }

// IsTerminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// validTransitions is the forward edge set of the task state machine.
// Recovery (active -> pending), retry (failed/cancelled/merge_pending ->
// pending) and plan rejection (plan_pending -> pending) are the only
// backward edges.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:      {TaskClaimed, TaskPlanPending, TaskCancelled},
	TaskPlanPending:  {TaskPlanApproved, TaskPending, TaskFailed, TaskCancelled},
	TaskPlanApproved: {TaskClaimed, TaskCancelled},
	TaskClaimed:      {TaskRunning, TaskFailed, TaskCancelled, TaskPending},
	TaskRunning:      {TaskMerging, TaskFailed, TaskCancelled, TaskPending},
	TaskMerging:      {TaskTesting, TaskCompleted, TaskMergePending, TaskFailed, TaskCancelled, TaskPending},
	TaskTesting:      {TaskMerging, TaskCompleted, TaskMergePending, TaskFailed, TaskCancelled, TaskPending},
	TaskMergePending: {TaskCompleted, TaskPending, TaskCancelled},
	TaskFailed:       {TaskPending, TaskCancelled},
	TaskCancelled:    {TaskPending},
	TaskCompleted:    {},
}

// CanTransition reports whether from -> to is a legal edge. A transition to
// the current status is always legal (idempotent callbacks).
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PlanQuestion is one multiple-choice clarification produced during planning.
type PlanQuestion struct {
	Key     string   `json:"key"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
	Default string   `json:"default,omitempty"`
}

// PlanMessage is one turn of a plan-refinement conversation.
type PlanMessage struct {
	Role      string    `json:"role"` // assistant | user
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one unit of work scoped to a project.
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Status        TaskStatus        `json:"status"`
	Priority      int               `json:"priority"`
	PlanMode      bool              `json:"plan_mode,omitempty"`
	WorkerID      string            `json:"worker_id,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	Plan          string            `json:"plan,omitempty"`
	PlanApproved  bool              `json:"plan_approved,omitempty"`
	PlanQuestions []PlanQuestion    `json:"plan_questions,omitempty"`
	PlanAnswers   map[string]string `json:"plan_answers,omitempty"`
	PlanMessages  []PlanMessage     `json:"plan_messages,omitempty"`
	PlanSessionID string            `json:"plan_session_id,omitempty"`
	DependsOn     string            `json:"depends_on,omitempty"`
	CommitID      string            `json:"commit_id,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// CreateTask is the input for Store.CreateTask. Only the description is
// required; the title is derived from its first line.
type CreateTask struct {
	Description string `json:"description"`
	Priority    int    `json:"priority,omitempty"`
	DependsOn   string `json:"depends_on,omitempty"`
	PlanMode    bool   `json:"plan_mode,omitempty"`
}

// DeriveTitle produces a task title from a description: first non-empty line,
// at most 50 characters.
func DeriveTitle(description string) string {
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 50 {
			return string(r[:50])
		}
		return line
	}
	return "untitled task"
}

// WorkerStatus is a worker slot's state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
	WorkerError   WorkerStatus = "error"
)

// Worker is a container slot that executes one task at a time. Worker state
// lives in memory (the scheduler owns it); the type is shared so the gateway
// can expose read-only snapshots.
type Worker struct {
	ID               string       `json:"id"`
	ContainerID      string       `json:"container_id,omitempty"`
	Status           WorkerStatus `json:"status"`
	CurrentTaskID    string       `json:"current_task_id,omitempty"`
	CurrentTaskTitle string       `json:"current_task_title,omitempty"`
	TasksCompleted   int          `json:"tasks_completed"`
	LastActivity     *time.Time   `json:"last_activity,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
}
