// Package scheduler binds pending tasks to worker slots and drives each
// task's state machine: worktree preparation, container launch, log
// forwarding, merge-test, and cleanup.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/container"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/experience"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/mergetest"
	"github.com/devswarm/devswarm/internal/store"
)

// workerState is one slot of the pool. Mutated only under Scheduler.mu.
type workerState struct {
	worker store.Worker
	handle *container.Handle
	cancel context.CancelFunc
	pid    string
}

// Scheduler owns the worker pool and the control loop.
type Scheduler struct {
	cfg      *config.Config
	store    *store.Store
	git      *git.Manager
	runtime  container.Runtime
	engine   *mergetest.Engine
	exp      *experience.Indexer
	bus      *events.Bus
	dispatch *events.DispatcherLog
	log      *logger.Logger

	mu       sync.Mutex
	workers  map[string]*workerState
	statusCh map[string]chan store.TaskStatus // pid/tid -> callback signal
	exitedAt map[string]time.Time             // pid/tid -> container exit time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a Scheduler.
func New(
	cfg *config.Config,
	st *store.Store,
	g *git.Manager,
	rt container.Runtime,
	engine *mergetest.Engine,
	exp *experience.Indexer,
	bus *events.Bus,
	dispatch *events.DispatcherLog,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		git:      g,
		runtime:  rt,
		engine:   engine,
		exp:      exp,
		bus:      bus,
		dispatch: dispatch,
		log:      log.WithFields(zap.String("component", "scheduler")),
		workers:  make(map[string]*workerState),
		statusCh: make(map[string]chan store.TaskStatus),
		exitedAt: make(map[string]time.Time),
	}
}

// Start launches the control loop. Returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.log.Info("scheduler started", zap.Int("worker_count", s.cfg.Scheduler.WorkerCount))
}

// Stop halts the loop, cancels every running task, and stops live
// containers with the configured grace.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	var handles []container.Handle
	for _, ws := range s.workers {
		if ws.cancel != nil {
			ws.cancel()
		}
		if ws.handle != nil {
			handles = append(handles, *ws.handle)
		}
	}
	s.mu.Unlock()

	<-done
	for _, h := range handles {
		if err := s.runtime.Stop(ctx, h, s.cfg.Scheduler.StopGrace); err != nil {
			s.log.Warn("stop container on shutdown", zap.String("container_id", h.ID), zap.Error(err))
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Scheduler.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reconciles the pool and dispatches idle workers.
func (s *Scheduler) tick(ctx context.Context) {
	s.reconcilePool()
	for _, wid := range s.idleWorkers() {
		pid, task, err := s.store.ClaimNext(ctx, wid)
		if err != nil {
			s.log.Error("claim failed", zap.String("worker_id", wid), zap.Error(err))
			continue
		}
		if task == nil {
			continue
		}
		s.dispatch.SystemEvent("scheduler", fmt.Sprintf("claimed %s by %s", task.ID, wid))
		s.launch(ctx, wid, pid, task)
	}
}

// reconcilePool sizes the worker map to the configured count. Surplus idle
// workers are marked stopped; busy ones finish their task first.
func (s *Scheduler) reconcilePool() {
	want := s.cfg.Scheduler.WorkerCount
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i <= want; i++ {
		wid := fmt.Sprintf("worker-%d", i)
		ws, ok := s.workers[wid]
		if !ok {
			s.workers[wid] = &workerState{worker: store.Worker{
				ID:        wid,
				Status:    store.WorkerIdle,
				StartedAt: time.Now().UTC(),
			}}
			continue
		}
		if ws.worker.Status == store.WorkerStopped {
			ws.worker.Status = store.WorkerIdle
		}
	}
	for wid, ws := range s.workers {
		if workerIndex(wid) > want && ws.worker.Status == store.WorkerIdle {
			ws.worker.Status = store.WorkerStopped
		}
	}
}

func workerIndex(wid string) int {
	var n int
	fmt.Sscanf(wid, "worker-%d", &n)
	return n
}

func (s *Scheduler) idleWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for wid, ws := range s.workers {
		if ws.worker.Status == store.WorkerIdle {
			ids = append(ids, wid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return workerIndex(ids[i]) < workerIndex(ids[j]) })
	return ids
}

// launch binds a claimed task to a worker and starts its lifecycle
// goroutine.
func (s *Scheduler) launch(ctx context.Context, wid, pid string, task *store.Task) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	ws, ok := s.workers[wid]
	if !ok || ws.worker.Status != store.WorkerIdle {
		s.mu.Unlock()
		cancel()
		return
	}
	now := time.Now().UTC()
	ws.worker.Status = store.WorkerBusy
	ws.worker.CurrentTaskID = task.ID
	ws.worker.CurrentTaskTitle = task.Title
	ws.worker.LastActivity = &now
	ws.cancel = cancel
	ws.pid = pid
	s.mu.Unlock()

	go func() {
		defer cancel()
		s.runTask(taskCtx, wid, pid, task)
		s.releaseWorker(wid)
	}()
}

func (s *Scheduler) releaseWorker(wid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[wid]
	if !ok {
		return
	}
	now := time.Now().UTC()
	ws.worker.CurrentTaskID = ""
	ws.worker.CurrentTaskTitle = ""
	ws.worker.LastActivity = &now
	ws.handle = nil
	ws.cancel = nil
	ws.pid = ""
	if ws.worker.Status == store.WorkerBusy {
		ws.worker.Status = store.WorkerIdle
	}
}

// Workers returns a read-only snapshot of the pool, ordered by index.
func (s *Scheduler) Workers() []store.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Worker, 0, len(s.workers))
	for _, ws := range s.workers {
		out = append(out, ws.worker)
	}
	sort.Slice(out, func(i, j int) bool { return workerIndex(out[i].ID) < workerIndex(out[j].ID) })
	return out
}

// RestartWorker stops a worker's live container; the task fails through the
// normal exit path and the slot returns to idle.
func (s *Scheduler) RestartWorker(ctx context.Context, wid string) error {
	s.mu.Lock()
	ws, ok := s.workers[wid]
	var handle *container.Handle
	if ok && ws.handle != nil {
		h := *ws.handle
		handle = &h
	}
	if ok && ws.worker.Status == store.WorkerError {
		ws.worker.Status = store.WorkerIdle
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: worker %s", store.ErrNotFound, wid)
	}
	if handle != nil {
		return s.runtime.Stop(ctx, *handle, s.cfg.Scheduler.StopGrace)
	}
	return nil
}

// LiveWorkerIDs reports which workers currently own a container, for stale
// recovery.
func (s *Scheduler) LiveWorkerIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for wid, ws := range s.workers {
		if ws.handle != nil {
			out[wid] = true
		}
	}
	return out
}

func taskKey(pid, tid string) string { return pid + "/" + tid }

// waitCh returns the callback-signal channel for a task, creating it if
// needed.
func (s *Scheduler) waitCh(pid, tid string) chan store.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey(pid, tid)
	ch, ok := s.statusCh[key]
	if !ok {
		ch = make(chan store.TaskStatus, 4)
		s.statusCh[key] = ch
	}
	return ch
}

func (s *Scheduler) dropWaitCh(pid, tid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statusCh, taskKey(pid, tid))
	delete(s.exitedAt, taskKey(pid, tid))
}

// markExited records when a task's container stopped, for the callback
// acceptance window.
func (s *Scheduler) markExited(pid, tid string) {
	s.mu.Lock()
	s.exitedAt[taskKey(pid, tid)] = time.Now().UTC()
	s.mu.Unlock()
}

// HandleCallback applies a worker status callback. Callbacks arriving more
// than the grace period after container exit are rejected.
func (s *Scheduler) HandleCallback(ctx context.Context, pid, tid, status, branch, commit, errMsg string) (*store.Task, error) {
	var to store.TaskStatus
	switch status {
	case "running":
		to = store.TaskRunning
	case "merging":
		to = store.TaskMerging
	case "failed":
		to = store.TaskFailed
	default:
		return nil, fmt.Errorf("%w: callback status %q", store.ErrConflict, status)
	}

	s.mu.Lock()
	exited, hasExited := s.exitedAt[taskKey(pid, tid)]
	s.mu.Unlock()
	if hasExited && time.Since(exited) > s.cfg.Scheduler.CallbackGrace {
		return nil, fmt.Errorf("%w: callback after grace window", store.ErrConflict)
	}

	task, err := s.store.Transition(ctx, pid, tid, to, func(t *store.Task) {
		if branch != "" {
			t.Branch = branch
		}
		if commit != "" {
			t.CommitID = commit
		}
		if errMsg != "" {
			t.Error = errMsg
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case s.waitCh(pid, tid) <- to:
	default:
	}
	return task, nil
}

// Cancel marks a task cancelled, stops its container if running, and cleans
// up its worktree and branch.
func (s *Scheduler) Cancel(ctx context.Context, pid, tid string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, pid, tid)
	if err != nil {
		return nil, err
	}
	prevWorker := task.WorkerID
	task, err = s.store.Transition(ctx, pid, tid, store.TaskCancelled, func(t *store.Task) {
		t.Error = "cancelled by user"
	})
	if err != nil {
		return nil, err
	}
	s.dispatch.SystemEvent("scheduler", fmt.Sprintf("cancelled %s", tid))

	s.mu.Lock()
	var handle *container.Handle
	if ws, ok := s.workers[prevWorker]; ok && ws.pid == pid && ws.worker.CurrentTaskID == tid {
		if ws.cancel != nil {
			ws.cancel()
		}
		if ws.handle != nil {
			h := *ws.handle
			handle = &h
		}
	}
	s.mu.Unlock()
	if handle != nil {
		if err := s.runtime.Stop(ctx, *handle, s.cfg.Scheduler.StopGrace); err != nil {
			s.log.Warn("stop cancelled container", zap.Error(err))
		}
	}
	if prevWorker != "" {
		s.cleanupWorktree(ctx, pid, prevWorker)
	}
	if task.Branch != "" {
		s.cleanupBranch(ctx, pid, task.Branch)
	}
	return task, nil
}

// Retry returns a terminal non-completed task to pending, dropping its
// branch and error.
func (s *Scheduler) Retry(ctx context.Context, pid, tid string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, pid, tid)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case store.TaskFailed, store.TaskCancelled, store.TaskMergePending:
	default:
		return nil, fmt.Errorf("%w: retry from %s", store.ErrConflict, task.Status)
	}
	oldBranch := task.Branch
	task, err = s.store.Transition(ctx, pid, tid, store.TaskPending, func(t *store.Task) {
		t.Error = ""
		t.CommitID = ""
		t.Branch = ""
		t.StartedAt = nil
		t.CompletedAt = nil
	})
	if err != nil {
		return nil, err
	}
	if oldBranch != "" {
		s.cleanupBranch(ctx, pid, oldBranch)
	}
	s.dispatch.SystemEvent("scheduler", fmt.Sprintf("retrying %s", tid))
	return task, nil
}

// ManualMerge merges a merge_pending task's branch into the base branch,
// optionally squashed.
func (s *Scheduler) ManualMerge(ctx context.Context, pid, tid string, squash bool) (*store.Task, error) {
	proj, err := s.store.GetProject(ctx, pid)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, pid, tid)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskMergePending {
		return nil, fmt.Errorf("%w: merge from %s", store.ErrConflict, task.Status)
	}
	if task.Branch == "" {
		return nil, fmt.Errorf("%w: task has no recorded branch", store.ErrConflict)
	}

	if err := s.mergeBranch(ctx, proj, task, squash); err != nil {
		return nil, err
	}
	done, err := s.store.Transition(ctx, pid, tid, store.TaskCompleted, nil)
	if err != nil {
		return nil, err
	}
	s.cleanupBranch(ctx, pid, task.Branch)
	s.dispatch.SystemEvent("scheduler", fmt.Sprintf("completed %s (manual merge)", tid))
	return done, nil
}

// mergeBranch checks out the base branch in the project repo and merges the
// task branch, pushing when the project auto-pushes. Caller decides status.
func (s *Scheduler) mergeBranch(ctx context.Context, proj *store.Project, task *store.Task, squash bool) error {
	repoDir := s.store.RepoDir(proj.ID)
	lock := s.git.RepoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if dirty, err := s.git.IsDirty(ctx, repoDir); err == nil && dirty {
		if err := s.git.StashAll(ctx, repoDir, "devswarm pre-merge stash"); err != nil {
			return fmt.Errorf("stash dirty repo: %w", err)
		}
	}
	s.removeUntrackedInstructions(ctx, repoDir)

	if s.git.RefExists(ctx, repoDir, "origin/"+proj.Branch) {
		if err := s.git.Checkout(ctx, repoDir, proj.Branch, true, "origin/"+proj.Branch); err != nil {
			return fmt.Errorf("checkout base: %w", err)
		}
	} else if err := s.git.Checkout(ctx, repoDir, proj.Branch, false, ""); err != nil {
		return fmt.Errorf("checkout base: %w", err)
	}

	message := fmt.Sprintf("feat: %s (task %s)", task.Title, task.ID)
	if err := s.git.Merge(ctx, repoDir, task.Branch, squash, message); err != nil {
		_ = s.git.MergeAbort(ctx, repoDir)
		return fmt.Errorf("merge %s: %w", task.Branch, err)
	}

	if proj.AutoPush && s.git.HasRemote(ctx, repoDir) {
		if err := s.git.Push(ctx, repoDir, "origin", proj.Branch); err != nil {
			return fmt.Errorf("push %s: %w", proj.Branch, err)
		}
		if err := s.git.DeleteRemoteBranch(ctx, repoDir, "origin", task.Branch); err != nil {
			s.log.Debug("delete remote task branch", zap.Error(err))
		}
	}
	return nil
}

// removeUntrackedInstructions deletes a stray agent-instructions file from
// the repo root so it can never conflict with a merge. A tracked file of the
// same name belongs to the project and is left alone.
func (s *Scheduler) removeUntrackedInstructions(ctx context.Context, repoDir string) {
	name := s.cfg.Agent.InstructionsFile
	if name == "" || strings.Contains(name, "/") {
		return
	}
	if s.git.IsTracked(ctx, repoDir, name) {
		return
	}
	path := filepath.Join(repoDir, name)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		_ = os.Remove(path)
	}
}

func (s *Scheduler) cleanupWorktree(ctx context.Context, pid, wid string) {
	repoDir := s.store.RepoDir(pid)
	wtDir := s.store.WorktreeDir(pid, wid)
	if err := s.git.WorktreeRemove(ctx, repoDir, wtDir); err != nil {
		s.log.Debug("worktree remove", zap.String("dir", wtDir), zap.Error(err))
	}
	if err := s.git.WorktreePrune(ctx, repoDir); err != nil {
		s.log.Debug("worktree prune", zap.Error(err))
	}
	removeAll(wtDir)
}

func (s *Scheduler) cleanupBranch(ctx context.Context, pid, branch string) {
	if branch == "" {
		return
	}
	repoDir := s.store.RepoDir(pid)
	if err := s.git.DeleteBranch(ctx, repoDir, branch); err != nil {
		s.log.Debug("delete branch", zap.String("branch", branch), zap.Error(err))
	}
}
