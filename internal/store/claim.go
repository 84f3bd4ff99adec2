package store

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// candidate is one claimable task found during the cross-project scan.
type candidate struct {
	projectID string
	task      *Task
}

// ClaimNext atomically selects the highest-priority eligible task across all
// ready projects and transitions it to claimed with workerID bound. Returns
// ("", nil, nil) when nothing is claimable.
//
// The registry lock is held for the whole operation; project task files are
// locked one at a time in project-id order. Claims are therefore linearizable
// across the store.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (string, *Task, error) {
	var (
		pid     string
		claimed *Task
	)
	err := s.withLock(ctx, s.RegistryFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		ready := make([]*Project, 0, len(reg.Projects))
		for _, p := range reg.Projects {
			if p.Status == ProjectReady {
				ready = append(ready, p)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

		var candidates []candidate
		for _, p := range ready {
			err := s.withLock(ctx, s.TasksFile(p.ID), func() error {
				tf, err := s.readTasks(p.ID)
				if err != nil {
					return err
				}
				for _, t := range tf.Tasks {
					if eligible(t, tf.Tasks) {
						candidates = append(candidates, candidate{projectID: p.ID, task: cloneTask(t)})
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
		best := candidates[0]

		// Re-check under the winner's lock: the task file may have changed
		// between the scan and now (cancel, delete).
		return s.withLock(ctx, s.TasksFile(best.projectID), func() error {
			tf, err := s.readTasks(best.projectID)
			if err != nil {
				return err
			}
			for _, t := range tf.Tasks {
				if t.ID != best.task.ID {
					continue
				}
				if !eligible(t, tf.Tasks) {
					return nil
				}
				t.Status = TaskClaimed
				t.WorkerID = workerID
				if err := s.writeJSON(s.TasksFile(best.projectID), tf); err != nil {
					return err
				}
				pid = best.projectID
				claimed = cloneTask(t)
				return nil
			}
			return nil
		})
	})
	if err != nil {
		return "", nil, err
	}
	if claimed != nil {
		s.log.Info("task claimed",
			zap.String("project_id", pid),
			zap.String("task_id", claimed.ID),
			zap.String("worker_id", workerID))
	}
	return pid, claimed, nil
}

// eligible reports whether a task is claimable given its sibling tasks.
func eligible(t *Task, siblings []*Task) bool {
	if t.Status != TaskPending && t.Status != TaskPlanApproved {
		return false
	}
	if t.DependsOn == "" {
		return true
	}
	for _, dep := range siblings {
		if dep.ID == t.DependsOn {
			return dep.Status == TaskCompleted
		}
	}
	// Dependency id refers to a deleted task; treat as satisfied.
	return true
}

// less orders claim candidates: approved plans first, then priority
// descending, then created_at ascending, then task id.
func less(a, b candidate) bool {
	aPlan, bPlan := a.task.Status == TaskPlanApproved, b.task.Status == TaskPlanApproved
	if aPlan != bPlan {
		return aPlan
	}
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.task.ID < b.task.ID
}

// StaleTask identifies a task returned to pending by RecoverStale, with
// enough context for the supervisor to clean up its worktree and branch.
type StaleTask struct {
	ProjectID string
	TaskID    string
	WorkerID  string
	Branch    string
}

// RecoverStale returns every active task whose worker has no live container
// to pending, boosting priority by one (capped). hasLiveWorker may be nil,
// in which case every active task is considered stale.
func (s *Store) RecoverStale(ctx context.Context, hasLiveWorker func(workerID string) bool) ([]StaleTask, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var stale []StaleTask
	for _, p := range projects {
		err := s.withLock(ctx, s.TasksFile(p.ID), func() error {
			tf, err := s.readTasks(p.ID)
			if err != nil {
				return err
			}
			changed := false
			for _, t := range tf.Tasks {
				if !t.Status.IsActive() {
					continue
				}
				if hasLiveWorker != nil && hasLiveWorker(t.WorkerID) {
					continue
				}
				stale = append(stale, StaleTask{
					ProjectID: p.ID,
					TaskID:    t.ID,
					WorkerID:  t.WorkerID,
					Branch:    t.Branch,
				})
				t.Status = TaskPending
				t.WorkerID = ""
				t.Error = ""
				t.StartedAt = nil
				if t.Priority < maxPriority {
					t.Priority++
				}
				changed = true
			}
			if !changed {
				return nil
			}
			return s.writeJSON(s.TasksFile(p.ID), tf)
		})
		if err != nil {
			return nil, fmt.Errorf("recover project %s: %w", p.ID, err)
		}
	}
	for _, st := range stale {
		s.log.Warn("recovered stale task",
			zap.String("project_id", st.ProjectID),
			zap.String("task_id", st.TaskID),
			zap.String("worker_id", st.WorkerID))
	}
	return stale, nil
}
