package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/container"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/experience"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/mergetest"
	"github.com/devswarm/devswarm/internal/store"
	"github.com/devswarm/devswarm/internal/stream"
)

// runTask drives one claimed task to a terminal state. Runs in its own
// goroutine; ctx is cancelled by Cancel and by shutdown.
func (s *Scheduler) runTask(ctx context.Context, wid, pid string, task *store.Task) {
	tid := task.ID
	log := s.log.WithProjectID(pid).WithTaskID(tid).WithWorkerID(wid)
	defer s.dropWaitCh(pid, tid)

	proj, err := s.store.GetProject(ctx, pid)
	if err != nil {
		s.failTask(ctx, pid, tid, "project vanished: "+err.Error())
		return
	}

	branch := s.cfg.Agent.BranchPrefix + "/" + tid
	task, err = s.store.UpdateTask(ctx, pid, tid, func(t *store.Task) error {
		t.Branch = branch
		return nil
	})
	if err != nil {
		s.failTask(ctx, pid, tid, "record branch: "+err.Error())
		return
	}

	wtDir, err := s.prepareWorktree(ctx, proj, wid, branch)
	if err != nil {
		s.failTask(ctx, pid, tid, "prepare worktree: "+err.Error())
		return
	}

	prompt := s.composePrompt(proj, task)
	s.writeInstructions(wtDir, prompt)
	snapshot, err := git.SnapshotPointer(wtDir)
	if err != nil {
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
		s.failTask(ctx, pid, task.ID, "worktree pointer: "+err.Error())
		return
	}

	handle, err := s.startContainer(ctx, proj, task, wid, wtDir, branch, prompt)
	if err != nil {
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
		s.failTask(ctx, pid, task.ID, "start container: "+err.Error())
		return
	}
	s.mu.Lock()
	if ws, ok := s.workers[wid]; ok {
		h := handle
		ws.handle = &h
		ws.worker.ContainerID = handle.ID
	}
	s.mu.Unlock()

	if _, err := s.store.Transition(ctx, pid, task.ID, store.TaskRunning, nil); err != nil {
		log.Warn("transition to running", zap.Error(err))
	}
	s.dispatch.SystemEvent(wid, fmt.Sprintf("%s running in %s", task.ID, handle.Name))

	logDone := s.forwardLogs(ctx, handle, pid, task.ID, wid)
	exitCode, waitErr := s.waitForExit(ctx, handle)
	s.markExited(pid, task.ID)
	<-logDone

	s.mu.Lock()
	if ws, ok := s.workers[wid]; ok {
		ws.handle = nil
		ws.worker.ContainerID = ""
	}
	s.mu.Unlock()

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			// Cancel() already transitioned the task and cleaned up.
			return
		}
		if errors.Is(waitErr, errTaskTimeout) {
			_ = s.runtime.Stop(context.WithoutCancel(ctx), handle, s.cfg.Scheduler.StopGrace)
			s.cleanupWorktree(ctx, pid, wid)
			s.cleanupBranch(ctx, pid, branch)
			s.failTask(ctx, pid, task.ID,
				fmt.Sprintf("exceeded %d minutes", int(s.cfg.Scheduler.TaskTimeout.Minutes())))
			return
		}
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
		s.failTask(ctx, pid, task.ID, "container wait: "+waitErr.Error())
		return
	}

	if err := git.VerifyPointer(wtDir, snapshot); err != nil {
		log.Warn("worktree pointer corrupted", zap.Error(err))
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
		s.failTask(ctx, pid, task.ID, "worktree corruption")
		return
	}

	status := s.awaitCallback(ctx, pid, task.ID)
	switch status {
	case store.TaskMerging:
		s.dispatch.SystemEvent(wid, fmt.Sprintf("%s merging", task.ID))
		s.runMergePhase(ctx, proj, task.ID, wid, wtDir, branch)
	case store.TaskFailed, store.TaskCancelled:
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
	default:
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
		reason := "worker exited without status"
		if exitCode != 0 {
			reason = fmt.Sprintf("worker exited with code %d without status", exitCode)
		}
		s.failTask(ctx, pid, task.ID, reason)
	}
}

var errTaskTimeout = errors.New("task timeout")

// waitForExit waits for the container, bounded by the soft task timeout.
func (s *Scheduler) waitForExit(ctx context.Context, handle container.Handle) (int64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.TaskTimeout)
	defer cancel()
	code, err := s.runtime.Wait(waitCtx, handle)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return -1, errTaskTimeout
		}
		if ctx.Err() != nil {
			return -1, context.Canceled
		}
		return -1, err
	}
	return code, nil
}

// awaitCallback blocks until the task leaves running (status callback) or
// the post-exit grace expires.
func (s *Scheduler) awaitCallback(ctx context.Context, pid, tid string) store.TaskStatus {
	if task, err := s.store.GetTask(ctx, pid, tid); err == nil && task.Status != store.TaskRunning {
		return task.Status
	}
	ch := s.waitCh(pid, tid)
	deadline := time.NewTimer(s.cfg.Scheduler.CallbackGrace)
	defer deadline.Stop()
	for {
		select {
		case status := <-ch:
			if status != store.TaskRunning {
				return status
			}
		case <-deadline.C:
			if task, err := s.store.GetTask(ctx, pid, tid); err == nil {
				return task.Status
			}
			return store.TaskRunning
		case <-ctx.Done():
			return store.TaskCancelled
		}
	}
}

// prepareWorktree removes any stale checkout of the branch, then creates a
// fresh worktree for the worker, cut from the project's base ref.
func (s *Scheduler) prepareWorktree(ctx context.Context, proj *store.Project, wid, branch string) (string, error) {
	repoDir := s.store.RepoDir(proj.ID)
	wtDir := s.store.WorktreeDir(proj.ID, wid)

	lock := s.git.RepoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if list, err := s.git.WorktreeList(ctx, repoDir); err == nil {
		for _, wt := range list {
			if wt.Branch == branch || wt.Path == wtDir {
				_ = s.git.WorktreeRemove(ctx, repoDir, wt.Path)
			}
		}
	}
	_ = s.git.WorktreePrune(ctx, repoDir)
	_ = s.git.DeleteBranch(ctx, repoDir, branch)
	removeAll(wtDir)

	baseRef := s.git.PickBaseRef(ctx, repoDir, proj.Branch)
	if err := s.git.WorktreeAdd(ctx, repoDir, branch, wtDir, baseRef); err != nil {
		return "", err
	}
	if err := experience.Bootstrap(wtDir, proj.Name); err != nil {
		s.log.Debug("bootstrap experience file", zap.Error(err))
	}
	return wtDir, nil
}

// composePrompt builds the agent prompt from plan, experience and task.
func (s *Scheduler) composePrompt(proj *store.Project, task *store.Task) string {
	repoDir := s.store.RepoDir(proj.ID)
	recent := s.exp.Recent(repoDir)

	var refs []experience.ProjectRef
	if projects, err := s.store.ListProjects(context.Background()); err == nil {
		for _, p := range projects {
			if p.ID == proj.ID || p.Status != store.ProjectReady {
				continue
			}
			refs = append(refs, experience.ProjectRef{ID: p.ID, Name: p.Name, RepoDir: s.store.RepoDir(p.ID)})
		}
	}
	cross := s.exp.CrossProject(refs, task.Title+" "+task.Description)
	return BuildPrompt(task, recent, cross)
}

// startContainer launches the worker container, retrying once on a start
// error.
func (s *Scheduler) startContainer(ctx context.Context, proj *store.Project, task *store.Task, wid, wtDir, branch, prompt string) (container.Handle, error) {
	spec := s.containerSpec(proj, task, wid, wtDir, branch, prompt)
	handle, err := s.runtime.Start(ctx, spec)
	if err == nil {
		return handle, nil
	}
	s.log.Warn("container start failed, retrying once", zap.Error(err))
	handle, retryErr := s.runtime.Start(ctx, spec)
	if retryErr != nil {
		return container.Handle{}, retryErr
	}
	return handle, nil
}

func (s *Scheduler) containerSpec(proj *store.Project, task *store.Task, wid, wtDir, branch, prompt string) container.Spec {
	repoDir := s.store.RepoDir(proj.ID)
	logsDir := s.store.LogsDir(proj.ID)
	hostPath := s.cfg.Data.HostPath

	env := map[string]string{
		"TASK_ID":      task.ID,
		"TASK_TITLE":   task.Title,
		"TASK_DESC":    task.Description,
		"TASK_PROMPT":  prompt,
		"PROJECT_ID":   proj.ID,
		"PROJECT_NAME": proj.Name,
		"WORKER_ID":    wid,
		"BRANCH_NAME":  branch,
		"MANAGER_URL":  s.cfg.ResolvedCallbackURL(),
	}
	if task.Plan != "" && task.PlanApproved {
		env["TASK_PLAN"] = task.Plan
	}
	if s.cfg.Agent.APIKey != "" {
		env["AGENT_API_KEY"] = s.cfg.Agent.APIKey
	}
	if s.cfg.Agent.BaseURL != "" {
		env["AGENT_BASE_URL"] = s.cfg.Agent.BaseURL
	}
	if s.cfg.Agent.Model != "" {
		env["AGENT_MODEL"] = s.cfg.Agent.Model
	}
	for _, proxy := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY"} {
		if v := os.Getenv(proxy); v != "" {
			env[proxy] = v
		}
	}

	// Repo and worktree mount at their engine-side paths so the worktree's
	// .git pointer resolves inside the container. The pointer file itself is
	// a separate read-only bind, shadowing the worktree mount.
	mounts := []container.Mount{
		{Source: hostPath(repoDir), Target: repoDir, ReadOnly: false},
		{Source: hostPath(wtDir), Target: wtDir, ReadOnly: false},
		{Source: hostPath(git.PointerPath(wtDir)), Target: git.PointerPath(wtDir), ReadOnly: true},
		{Source: hostPath(logsDir), Target: "/logs", ReadOnly: false},
	}

	return container.Spec{
		Image:       s.cfg.Docker.WorkerImage,
		Name:        fmt.Sprintf("devswarm-%s-%s", wid, task.ID),
		Env:         env,
		Mounts:      mounts,
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
		NetworkMode: s.cfg.Docker.NetworkMode,
		Labels: map[string]string{
			container.LabelWorker:  wid,
			container.LabelTask:    task.ID,
			container.LabelProject: proj.ID,
		},
		WorkDir:     wtDir,
		MemoryBytes: s.cfg.Docker.MemoryLimit,
		CPUQuota:    s.cfg.Docker.CPUQuota,
	}
}

// forwardLogs pipes the container's stdout through the stream parser onto
// the worker's log topic, and keeps the raw JSONL as a post-mortem file.
// Returns a channel closed when the stream ends.
func (s *Scheduler) forwardLogs(ctx context.Context, handle container.Handle, pid, tid, wid string) <-chan struct{} {
	done := make(chan struct{})
	rc, err := s.runtime.Logs(ctx, handle)
	if err != nil {
		s.log.Warn("attach container logs", zap.Error(err))
		close(done)
		return done
	}

	var sink *os.File
	logPath := s.store.WorkerLogFile(pid, wid)
	if f, ferr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); ferr == nil {
		sink = f
	}

	go func() {
		defer close(done)
		defer rc.Close()
		if sink != nil {
			defer sink.Close()
		}
		parser := stream.NewParser()
		topic := events.TopicLog(wid)
		publish := func(evs []stream.Event) {
			for _, ev := range evs {
				ev.ProjectID = pid
				ev.TaskID = tid
				ev.WorkerID = wid
				s.bus.Publish(topic, ev)
			}
		}
		buf := make([]byte, 32*1024)
		for {
			n, readErr := rc.Read(buf)
			if n > 0 {
				if sink != nil {
					_, _ = sink.Write(buf[:n])
				}
				publish(parser.Feed(buf[:n]))
			}
			if readErr != nil {
				publish(parser.Flush())
				return
			}
		}
	}()
	return done
}

// runMergePhase runs the merge-test engine and finalizes the task according
// to the project's flags.
func (s *Scheduler) runMergePhase(ctx context.Context, proj *store.Project, tid, wid, wtDir, branch string) {
	pid := proj.ID
	repoDir := s.store.RepoDir(pid)

	base := proj.Branch
	baseRef := base
	if s.git.RefExists(ctx, repoDir, "origin/"+base) {
		baseRef = "origin/" + base
	}
	ahead, err := s.git.CommitsAhead(ctx, wtDir, baseRef)
	if err == nil && ahead == 0 {
		s.cleanupWorktree(ctx, pid, wid)
		s.cleanupBranch(ctx, pid, branch)
		s.failTask(ctx, pid, tid, "worker produced no new commits on branch")
		return
	}

	task, err := s.store.GetTask(ctx, pid, tid)
	if err != nil {
		return
	}
	s.appendExperience(ctx, wtDir, task, pid, wid)

	res := s.engine.Run(ctx, mergetest.Input{
		WorktreeDir: wtDir,
		RepoDir:     repoDir,
		BaseBranch:  base,
		WorkerID:    wid,
		TaskID:      tid,
		OnPhase: func(phase string) {
			to := store.TaskMerging
			if phase == mergetest.PhaseTest {
				to = store.TaskTesting
			}
			if _, err := s.store.Transition(ctx, pid, tid, to, nil); err != nil {
				s.log.Debug("phase transition", zap.String("phase", phase), zap.Error(err))
			}
		},
	})
	if !res.OK {
		s.cleanupWorktree(ctx, pid, wid)
		s.failTask(ctx, pid, tid, res.Reason)
		return
	}

	// Back to merging for the merge itself; the engine may have left the
	// task in testing.
	if _, err := s.store.Transition(ctx, pid, tid, store.TaskMerging, func(t *store.Task) {
		t.CommitID = res.FinalSHA
	}); err != nil {
		s.log.Debug("transition to merging", zap.Error(err))
	}

	if !proj.AutoMerge {
		s.cleanupWorktree(ctx, pid, wid)
		if _, err := s.store.Transition(ctx, pid, tid, store.TaskMergePending, nil); err != nil {
			s.log.Warn("transition to merge_pending", zap.Error(err))
		}
		s.dispatch.SystemEvent(wid, fmt.Sprintf("%s awaiting manual merge", tid))
		return
	}

	task, _ = s.store.GetTask(ctx, pid, tid)
	if err := s.mergeBranch(ctx, proj, task, false); err != nil {
		s.log.Warn("auto-merge failed", zap.String("task_id", tid), zap.Error(err))
		s.cleanupWorktree(ctx, pid, wid)
		if _, terr := s.store.Transition(ctx, pid, tid, store.TaskMergePending, func(t *store.Task) {
			t.Error = "auto-merge conflict: " + err.Error()
		}); terr != nil {
			s.log.Warn("transition to merge_pending", zap.Error(terr))
		}
		s.dispatch.SystemEvent(wid, fmt.Sprintf("%s merge conflict, awaiting manual merge", tid))
		return
	}

	s.cleanupWorktree(ctx, pid, wid)
	s.cleanupBranch(ctx, pid, branch)
	if _, err := s.store.Transition(ctx, pid, tid, store.TaskCompleted, nil); err != nil {
		s.log.Warn("transition to completed", zap.Error(err))
		return
	}
	s.bumpCompleted(wid)
	s.dispatch.SystemEvent(wid, fmt.Sprintf("%s completed", tid))
}

// appendExperience records a completion entry in the worktree so it merges
// with the task branch. The entry's lessons are derived from the worker's
// JSONL log, which is fully flushed by the time the merge phase runs.
func (s *Scheduler) appendExperience(ctx context.Context, wtDir string, task *store.Task, pid, wid string) {
	entry := experience.Entry{
		TaskID:      task.ID,
		Title:       task.Title,
		WorkerID:    wid,
		Commit:      task.CommitID,
		CompletedAt: time.Now().UTC(),
	}
	summary := experience.LogSummary(s.store.WorkerLogFile(pid, wid))
	entry = s.exp.Reflect(ctx, wtDir, entry, summary)
	if err := s.exp.Append(ctx, wtDir, entry); err != nil {
		s.log.Debug("append experience entry", zap.Error(err))
	}
}

func (s *Scheduler) bumpCompleted(wid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workers[wid]; ok {
		ws.worker.TasksCompleted++
	}
}

// failTask marks a task failed with a reason, tolerating races with other
// terminal transitions.
func (s *Scheduler) failTask(ctx context.Context, pid, tid, reason string) {
	if _, err := s.store.Transition(ctx, pid, tid, store.TaskFailed, func(t *store.Task) {
		t.Error = reason
	}); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.log.Warn("mark task failed", zap.String("task_id", tid), zap.Error(err))
		}
		return
	}
	s.dispatch.SystemEvent("scheduler", fmt.Sprintf("%s failed: %s", tid, reason))
}

// writeInstructions drops the agent-instructions file into the worktree.
// The file is listed in the repo's git exclude, so it never ships with the
// branch.
func (s *Scheduler) writeInstructions(wtDir, prompt string) {
	name := s.cfg.Agent.InstructionsFile
	if name == "" || strings.Contains(name, "/") {
		return
	}
	if err := os.WriteFile(filepath.Join(wtDir, name), []byte(prompt+"\n"), 0o644); err != nil {
		s.log.Debug("write instructions file", zap.Error(err))
	}
}

func removeAll(dir string) {
	if dir == "" || dir == "/" {
		return
	}
	_ = os.RemoveAll(dir)
}
