package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/logger"
)

const (
	lockRetryDelay  = 50 * time.Millisecond
	maxPriority     = 10
	registryName    = "projects.json"
	tasksName       = "tasks.json"
	projectsDirName = "projects"
)

// EventSink receives engine-level audit events emitted by the store
// (quarantine notices). The dispatcher log implements it.
type EventSink interface {
	SystemEvent(source, message string)
}

// Store persists projects and tasks as JSON files under a data directory.
// Every file is guarded by an exclusive flock held only for the duration of a
// read-modify-write; writes go through a temp file and rename.
type Store struct {
	dataDir     string
	lockTimeout time.Duration
	log         *logger.Logger
	sink        EventSink
}

// New creates a Store rooted at dataDir.
func New(dataDir string, lockTimeout time.Duration, log *logger.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{
		dataDir:     dataDir,
		lockTimeout: lockTimeout,
		log:         log.WithFields(zap.String("component", "store")),
	}
}

// SetSink attaches an audit-event sink. Safe to leave unset.
func (s *Store) SetSink(sink EventSink) { s.sink = sink }

// DataDir returns the store's root directory.
func (s *Store) DataDir() string { return s.dataDir }

// RegistryFile returns the path of the project registry.
func (s *Store) RegistryFile() string { return filepath.Join(s.dataDir, registryName) }

// ProjectDir returns a project's root directory.
func (s *Store) ProjectDir(pid string) string {
	return filepath.Join(s.dataDir, projectsDirName, pid)
}

// TasksFile returns the path of a project's task file.
func (s *Store) TasksFile(pid string) string {
	return filepath.Join(s.ProjectDir(pid), tasksName)
}

// RepoDir returns a project's repository directory.
func (s *Store) RepoDir(pid string) string {
	return filepath.Join(s.ProjectDir(pid), "repo")
}

// WorktreesDir returns the root under which task worktrees are created.
func (s *Store) WorktreesDir(pid string) string {
	return filepath.Join(s.ProjectDir(pid), "worktrees")
}

// WorktreeDir returns the worktree directory assigned to one worker.
func (s *Store) WorktreeDir(pid, workerID string) string {
	return filepath.Join(s.WorktreesDir(pid), workerID)
}

// LogsDir returns a project's agent-log directory.
func (s *Store) LogsDir(pid string) string {
	return filepath.Join(s.ProjectDir(pid), "logs")
}

// WorkerLogFile returns the JSONL log path for one worker in a project.
func (s *Store) WorkerLogFile(pid, workerID string) string {
	return filepath.Join(s.LogsDir(pid), workerID+".jsonl")
}

// registry is the on-disk shape of projects.json.
type registry struct {
	Projects    []*Project `json:"projects"`
	NextTaskSeq int        `json:"next_task_seq"`
}

// taskFile is the on-disk shape of a project's tasks.json.
type taskFile struct {
	Tasks []*Task `json:"tasks"`
}

// withLock runs fn while holding the exclusive lock guarding path. Returns
// ErrLockTimeout when the lock is not acquired within the store's timeout.
func (s *Store) withLock(ctx context.Context, path string, fn func() error) error {
	fl := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, filepath.Base(path))
		}
		return fmt.Errorf("lock %s: %w", filepath.Base(path), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, filepath.Base(path))
	}
	defer fl.Unlock() //nolint:errcheck
	return fn()
}

// readJSON loads path into v. A missing file leaves v untouched. A malformed
// file is quarantined (renamed aside) so the engine can continue with an
// empty document.
func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.quarantine(path, err)
		return nil
	}
	return nil
}

// quarantine renames a malformed JSON file aside and emits an audit event.
func (s *Store) quarantine(path string, cause error) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, dst); err != nil {
		s.log.Error("quarantine failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.log.Warn("quarantined malformed store file",
		zap.String("path", path), zap.String("moved_to", dst), zap.Error(cause))
	if s.sink != nil {
		s.sink.SystemEvent("system", "quarantined "+filepath.Base(path))
	}
}

// writeJSON atomically replaces path with the JSON encoding of v.
func (s *Store) writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (s *Store) readRegistry() (*registry, error) {
	reg := &registry{NextTaskSeq: 1}
	if err := s.readJSON(s.RegistryFile(), reg); err != nil {
		return nil, err
	}
	if reg.NextTaskSeq < 1 {
		reg.NextTaskSeq = 1
	}
	return reg, nil
}

func (s *Store) readTasks(pid string) (*taskFile, error) {
	tf := &taskFile{}
	if err := s.readJSON(s.TasksFile(pid), tf); err != nil {
		return nil, err
	}
	return tf, nil
}

// ListProjects returns a snapshot of all projects sorted by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var out []*Project
	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		out = cloneProjects(reg.Projects)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetProject returns one project by id.
func (s *Store) GetProject(ctx context.Context, pid string) (*Project, error) {
	var out *Project
	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		for _, p := range reg.Projects {
			if p.ID == pid {
				out = cloneProject(p)
				return nil
			}
		}
		return fmt.Errorf("%w: project %s", ErrNotFound, pid)
	})
	return out, err
}

// CreateProject registers a new project in cloning state and creates its
// directory skeleton. Clone/init itself runs asynchronously elsewhere.
func (s *Store) CreateProject(ctx context.Context, spec CreateProject) (*Project, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("project name is required")
	}
	p := &Project{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Name:       spec.Name,
		RepoURL:    spec.RepoURL,
		LocalPath:  spec.LocalPath,
		Branch:     spec.Branch,
		SourceType: spec.SourceType,
		AutoMerge:  true,
		Status:     ProjectCloning,
		CreatedAt:  time.Now().UTC(),
	}
	if p.SourceType == "" {
		p.SourceType = SourceGit
	}
	if p.Branch == "" {
		p.Branch = "main"
	}
	if spec.AutoMerge != nil {
		p.AutoMerge = *spec.AutoMerge
	}
	if spec.AutoPush != nil {
		p.AutoPush = *spec.AutoPush
	}
	switch p.SourceType {
	case SourceGit:
		if p.RepoURL == "" {
			return nil, errors.New("repo_url is required for git projects")
		}
	case SourceLocal:
		if p.LocalPath == "" {
			return nil, errors.New("local_path is required for local projects")
		}
		p.RepoURL = ""
	case SourceNew:
		p.RepoURL = ""
	default:
		return nil, fmt.Errorf("unknown source_type %q", p.SourceType)
	}

	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		reg.Projects = append(reg.Projects, p)
		return s.writeJSON(s.RegistryFile(), reg)
	})
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{s.WorktreesDir(p.ID), s.LogsDir(p.ID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("project skeleton: %w", err)
		}
	}
	if err := s.writeJSON(s.TasksFile(p.ID), &taskFile{}); err != nil {
		return nil, err
	}
	s.log.Info("project created", zap.String("project_id", p.ID), zap.String("name", p.Name))
	return cloneProject(p), nil
}

// UpdateProject applies mutate to the project under the registry lock.
func (s *Store) UpdateProject(ctx context.Context, pid string, mutate func(*Project) error) (*Project, error) {
	var out *Project
	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		for _, p := range reg.Projects {
			if p.ID != pid {
				continue
			}
			if err := mutate(p); err != nil {
				return err
			}
			if err := s.writeJSON(s.RegistryFile(), reg); err != nil {
				return err
			}
			out = cloneProject(p)
			return nil
		}
		return fmt.Errorf("%w: project %s", ErrNotFound, pid)
	})
	return out, err
}

// DeleteProject removes the project from the registry and deletes its
// directory tree, cascading task deletion.
func (s *Store) DeleteProject(ctx context.Context, pid string) error {
	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		kept := reg.Projects[:0]
		found := false
		for _, p := range reg.Projects {
			if p.ID == pid {
				found = true
				continue
			}
			kept = append(kept, p)
		}
		if !found {
			return fmt.Errorf("%w: project %s", ErrNotFound, pid)
		}
		reg.Projects = kept
		return s.writeJSON(s.RegistryFile(), reg)
	})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.ProjectDir(pid)); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	s.log.Info("project deleted", zap.String("project_id", pid))
	return nil
}

// ListTasks returns a snapshot of a project's tasks sorted by creation time.
func (s *Store) ListTasks(ctx context.Context, pid string) ([]*Task, error) {
	if _, err := s.GetProject(ctx, pid); err != nil {
		return nil, err
	}
	var out []*Task
	err := s.withLock(ctx, s.TasksFile(pid), func() error {
		tf, err := s.readTasks(pid)
		if err != nil {
			return err
		}
		out = cloneTasks(tf.Tasks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, pid, tid string) (*Task, error) {
	var out *Task
	err := s.withLock(ctx, s.TasksFile(pid), func() error {
		tf, err := s.readTasks(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID == tid {
				out = cloneTask(t)
				return nil
			}
		}
		return fmt.Errorf("%w: task %s", ErrNotFound, tid)
	})
	return out, err
}

// CreateTask appends a new pending task. The id is allocated from the
// registry's monotonic counter, so the registry lock is taken first, then the
// project's task-file lock.
func (s *Store) CreateTask(ctx context.Context, pid string, spec CreateTask) (*Task, error) {
	if strings.TrimSpace(spec.Description) == "" {
		return nil, errors.New("task description is required")
	}
	var out *Task
	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		found := false
		for _, p := range reg.Projects {
			if p.ID == pid {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: project %s", ErrNotFound, pid)
		}
		t := &Task{
			ID:          fmt.Sprintf("t-%06d", reg.NextTaskSeq),
			Title:       DeriveTitle(spec.Description),
			Description: spec.Description,
			Status:      TaskPending,
			Priority:    spec.Priority,
			DependsOn:   spec.DependsOn,
			PlanMode:    spec.PlanMode,
			CreatedAt:   time.Now().UTC(),
		}
		reg.NextTaskSeq++
		if err := s.writeJSON(s.RegistryFile(), reg); err != nil {
			return err
		}
		return s.withLock(ctx, s.TasksFile(pid), func() error {
			tf, err := s.readTasks(pid)
			if err != nil {
				return err
			}
			tf.Tasks = append(tf.Tasks, t)
			if err := s.writeJSON(s.TasksFile(pid), tf); err != nil {
				return err
			}
			out = cloneTask(t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task created",
		zap.String("project_id", pid), zap.String("task_id", out.ID), zap.String("title", out.Title))
	return out, nil
}

// UpdateTask applies mutate to the task under the task-file lock. Status is
// not validated here; use Transition for status changes.
func (s *Store) UpdateTask(ctx context.Context, pid, tid string, mutate func(*Task) error) (*Task, error) {
	var out *Task
	err := s.withLock(ctx, s.TasksFile(pid), func() error {
		tf, err := s.readTasks(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID != tid {
				continue
			}
			if err := mutate(t); err != nil {
				return err
			}
			if err := s.writeJSON(s.TasksFile(pid), tf); err != nil {
				return err
			}
			out = cloneTask(t)
			return nil
		}
		return fmt.Errorf("%w: task %s", ErrNotFound, tid)
	})
	return out, err
}

// Transition moves a task to a new status, enforcing the state machine.
// mutate (optional) is applied after the status change, under the same lock.
// A transition to the current status is an idempotent no-op. Worker binding
// and timestamps are maintained here so the invariants hold at every write.
func (s *Store) Transition(ctx context.Context, pid, tid string, to TaskStatus, mutate func(*Task)) (*Task, error) {
	var out *Task
	err := s.withLock(ctx, s.TasksFile(pid), func() error {
		tf, err := s.readTasks(pid)
		if err != nil {
			return err
		}
		for _, t := range tf.Tasks {
			if t.ID != tid {
				continue
			}
			if t.Status == to {
				out = cloneTask(t)
				return nil
			}
			if !CanTransition(t.Status, to) {
				return fmt.Errorf("%w: task %s cannot move %s -> %s", ErrConflict, tid, t.Status, to)
			}
			t.Status = to
			if mutate != nil {
				mutate(t)
			}
			now := time.Now().UTC()
			switch {
			case to == TaskRunning && t.StartedAt == nil:
				t.StartedAt = &now
			case to.IsTerminal():
				t.CompletedAt = &now
			}
			if !to.IsActive() {
				t.WorkerID = ""
			}
			if err := s.writeJSON(s.TasksFile(pid), tf); err != nil {
				return err
			}
			out = cloneTask(t)
			return nil
		}
		return fmt.Errorf("%w: task %s", ErrNotFound, tid)
	})
	return out, err
}

// DeleteTask removes a task from its project's file.
func (s *Store) DeleteTask(ctx context.Context, pid, tid string) error {
	return s.withLock(ctx, s.TasksFile(pid), func() error {
		tf, err := s.readTasks(pid)
		if err != nil {
			return err
		}
		kept := tf.Tasks[:0]
		found := false
		for _, t := range tf.Tasks {
			if t.ID == tid {
				found = true
				continue
			}
			kept = append(kept, t)
		}
		if !found {
			return fmt.Errorf("%w: task %s", ErrNotFound, tid)
		}
		tf.Tasks = kept
		return s.writeJSON(s.TasksFile(pid), tf)
	})
}

func cloneProject(p *Project) *Project {
	cp := *p
	return &cp
}

func cloneProjects(ps []*Project) []*Project {
	out := make([]*Project, len(ps))
	for i, p := range ps {
		out[i] = cloneProject(p)
	}
	return out
}

func cloneTask(t *Task) *Task {
	ct := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		ct.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		ct.CompletedAt = &v
	}
	ct.PlanQuestions = append([]PlanQuestion(nil), t.PlanQuestions...)
	ct.PlanMessages = append([]PlanMessage(nil), t.PlanMessages...)
	if t.PlanAnswers != nil {
		ct.PlanAnswers = make(map[string]string, len(t.PlanAnswers))
		for k, v := range t.PlanAnswers {
			ct.PlanAnswers[k] = v
		}
	}
	return &ct
}

func cloneTasks(ts []*Task) []*Task {
	out := make([]*Task, len(ts))
	for i, t := range ts {
		out[i] = cloneTask(t)
	}
	return out
}
