package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/container"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/experience"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/mergetest"
	"github.com/devswarm/devswarm/internal/store"
)

// fakeRuntime is an in-memory container runtime. Wait returns immediately
// unless block is set; onWait runs before a successful exit so tests can
// simulate the worker's side effects.
type fakeRuntime struct {
	mu      sync.Mutex
	started []container.Spec
	logs    string
	block   bool
	onWait  func(h container.Handle)
}

func (f *fakeRuntime) Start(_ context.Context, spec container.Spec) (container.Handle, error) {
	f.mu.Lock()
	f.started = append(f.started, spec)
	n := len(f.started)
	f.mu.Unlock()
	return container.Handle{ID: fmt.Sprintf("ctr-%d", n), Name: spec.Name, Labels: spec.Labels}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, h container.Handle) (int64, error) {
	if f.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if f.onWait != nil {
		f.onWait(h)
	}
	return 0, nil
}

func (f *fakeRuntime) Stop(context.Context, container.Handle, time.Duration) error { return nil }

func (f *fakeRuntime) Logs(context.Context, container.Handle) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeRuntime) ListAlive(context.Context) ([]container.Handle, error) { return nil, nil }
func (f *fakeRuntime) Remove(context.Context, container.Handle) error        { return nil }

func (f *fakeRuntime) specs() []container.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Spec(nil), f.started...)
}

type noopAgent struct{}

func (noopAgent) Run(context.Context, agentcli.Request) (*agentcli.Result, error) {
	return &agentcli.Result{Text: "ok"}, nil
}

// labeledAgent replies with a fixed reflection block.
type labeledAgent struct{ reply string }

func (a labeledAgent) Run(context.Context, agentcli.Request) (*agentcli.Result, error) {
	return &agentcli.Result{Text: a.reply}, nil
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func rawGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{
		"-c", "user.name=tester",
		"-c", "user.email=tester@example.com",
		"-c", "commit.gpgsign=false",
	}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func testConfig(dataDir string, workers int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 9911},
		Data:   config.DataConfig{Dir: dataDir, LockTimeout: 2 * time.Second},
		Docker: config.DockerConfig{WorkerImage: "devswarm-worker:test"},
		Agent: config.AgentConfig{
			Binary:           "claude",
			BranchPrefix:     "agent",
			InstructionsFile: "AGENT.md",
		},
		Scheduler: config.SchedulerConfig{
			WorkerCount:   workers,
			TickInterval:  10 * time.Millisecond,
			TaskTimeout:   time.Minute,
			CallbackGrace: 200 * time.Millisecond,
			StopGrace:     time.Second,
			MergeRetries:  2,
		},
	}
}

func newTestScheduler(t *testing.T, workers int) (*Scheduler, *store.Store, *fakeRuntime) {
	t.Helper()
	log := testLog(t)
	cfg := testConfig(t.TempDir(), workers)
	st := store.New(cfg.Data.Dir, cfg.Data.LockTimeout, log)
	g := git.NewManager(log)
	bus := events.NewBus()
	dispatch := events.NewDispatcherLog(bus)
	engine := mergetest.NewEngine(g, noopAgent{}, log)
	engine.SetBackoff(time.Millisecond)
	exp := experience.NewIndexer(g, experience.DefaultBudgets(), log)
	rt := &fakeRuntime{}
	s := New(cfg, st, g, rt, engine, exp, bus, dispatch, log)
	s.reconcilePool()
	return s, st, rt
}

// readyProject creates a ready project backed by a real repo with one
// commit on main.
func readyProject(t *testing.T, s *Scheduler, autoMerge bool) string {
	t.Helper()
	ctx := context.Background()
	proj, err := s.store.CreateProject(ctx, store.CreateProject{
		Name:       "demo",
		SourceType: store.SourceNew,
		AutoMerge:  &autoMerge,
	})
	require.NoError(t, err)

	repoDir := s.store.RepoDir(proj.ID)
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	rawGit(t, repoDir, "init", "--initial-branch", "main")
	rawGit(t, repoDir, "config", "user.name", "tester")
	rawGit(t, repoDir, "config", "user.email", "tester@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("demo\n"), 0o644))
	rawGit(t, repoDir, "add", "-A")
	rawGit(t, repoDir, "commit", "-m", "initial commit")
	require.NoError(t, s.git.AddToExclude(ctx, repoDir, s.cfg.Agent.InstructionsFile))

	_, err = s.store.UpdateProject(ctx, proj.ID, func(p *store.Project) error {
		p.Status = store.ProjectReady
		return nil
	})
	require.NoError(t, err)
	return proj.ID
}

func claimedTask(t *testing.T, st *store.Store, pid, desc string) *store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := st.CreateTask(ctx, pid, store.CreateTask{Description: desc})
	require.NoError(t, err)
	task, err = st.Transition(ctx, pid, task.ID, store.TaskClaimed, func(tk *store.Task) {
		tk.WorkerID = "worker-1"
	})
	require.NoError(t, err)
	return task
}

func TestReconcilePoolSizesWorkers(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)

	workers := s.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, "worker-1", workers[0].ID)
	assert.Equal(t, "worker-2", workers[1].ID)
	assert.Equal(t, store.WorkerIdle, workers[0].Status)

	// Shrinking marks the surplus idle slot stopped.
	s.cfg.Scheduler.WorkerCount = 1
	s.reconcilePool()
	workers = s.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, store.WorkerIdle, workers[0].Status)
	assert.Equal(t, store.WorkerStopped, workers[1].Status)

	// Growing back revives it.
	s.cfg.Scheduler.WorkerCount = 2
	s.reconcilePool()
	assert.Equal(t, store.WorkerIdle, s.Workers()[1].Status)
}

func TestHandleCallbackRejectsLateArrival(t *testing.T) {
	s, st, _ := newTestScheduler(t, 1)
	s.cfg.Scheduler.CallbackGrace = 10 * time.Millisecond
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "late callback task")
	_, err := st.Transition(context.Background(), pid, task.ID, store.TaskRunning, nil)
	require.NoError(t, err)

	s.markExited(pid, task.ID)
	time.Sleep(30 * time.Millisecond)

	_, err = s.HandleCallback(context.Background(), pid, task.ID, "merging", "", "", "")
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := st.GetTask(context.Background(), pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, got.Status)
}

func TestHandleCallbackUnknownStatus(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	_, err := s.HandleCallback(context.Background(), "p", "t", "exploded", "", "", "")
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRunTaskCompletesWithAutoMerge(t *testing.T) {
	s, st, rt := newTestScheduler(t, 1)
	ctx := context.Background()
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "add a greeting feature\nmore detail here")

	wtDir := st.WorktreeDir(pid, "worker-1")
	rt.logs = `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}` + "\n"
	rt.onWait = func(container.Handle) {
		// The worker commits its change and reports done.
		require.NoError(t, os.WriteFile(filepath.Join(wtDir, "feature.txt"), []byte("hello\n"), 0o644))
		rawGit(t, wtDir, "add", "feature.txt")
		rawGit(t, wtDir, "commit", "-m", "feat: greeting")
		_, err := s.HandleCallback(ctx, pid, task.ID, "merging", "", "", "")
		require.NoError(t, err)
	}

	s.runTask(ctx, "worker-1", pid, task)

	got, err := st.GetTask(ctx, pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status, got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.WorkerID)

	// Squash-merged onto main with the conventional message.
	repoDir := st.RepoDir(pid)
	assert.Equal(t, fmt.Sprintf("feat: %s (task %s)", got.Title, got.ID),
		gitOut(t, repoDir, "log", "-1", "--format=%s"))
	assert.FileExists(t, filepath.Join(repoDir, "feature.txt"))
	assert.FileExists(t, filepath.Join(repoDir, experience.FileName))

	// Worktree and task branch are gone.
	assert.NoDirExists(t, wtDir)
	assert.False(t, s.git.RefExists(ctx, repoDir, "agent/"+got.ID))

	// Container got the contract env and mounts.
	specs := rt.specs()
	require.Len(t, specs, 1)
	assert.Equal(t, task.ID, specs[0].Env["TASK_ID"])
	assert.Equal(t, "agent/"+task.ID, specs[0].Env["BRANCH_NAME"])
	assert.Contains(t, specs[0].Env["MANAGER_URL"], "host.docker.internal")
	assert.Equal(t, wtDir, specs[0].WorkDir)

	// The raw stream landed in the worker's JSONL file.
	data, err := os.ReadFile(st.WorkerLogFile(pid, "worker-1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "working on it")
}

func TestRunTaskRecordsDerivedExperience(t *testing.T) {
	s, st, rt := newTestScheduler(t, 1)
	s.exp.SetAgent(labeledAgent{reply: strings.Join([]string{
		"- **Problem**: The greeting renderer dropped non-ASCII names.",
		"- **Solution**: Switched greet.go to rune-aware formatting.",
		"- **Prevention**: Exercise formatting with non-ASCII fixtures.",
		"- **Key files**: greet.go",
	}, "\n")})
	ctx := context.Background()
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "support unicode names in greeting")

	wtDir := st.WorktreeDir(pid, "worker-1")
	rt.logs = `{"type":"assistant","message":{"content":[{"type":"text","text":"Switched the greeter to rune-aware formatting."}]}}` + "\n"
	rt.onWait = func(container.Handle) {
		require.NoError(t, os.WriteFile(filepath.Join(wtDir, "greet.go"), []byte("package greet\n"), 0o644))
		rawGit(t, wtDir, "add", "greet.go")
		rawGit(t, wtDir, "commit", "-m", "feat: unicode greeting")
		_, err := s.HandleCallback(ctx, pid, task.ID, "merging", "", "", "")
		require.NoError(t, err)
	}

	s.runTask(ctx, "worker-1", pid, task)

	got, err := st.GetTask(ctx, pid, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, got.Status, got.Error)

	// The merged progress entry carries lessons derived from the worker log,
	// not placeholders.
	data, err := os.ReadFile(filepath.Join(st.RepoDir(pid), experience.FileName))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "**Problem:** The greeting renderer dropped non-ASCII names.")
	assert.Contains(t, text, "**Solution:** Switched greet.go to rune-aware formatting.")
	assert.Contains(t, text, "**Prevention:** Exercise formatting with non-ASCII fixtures.")
	assert.Contains(t, text, "Key files: greet.go")
	assert.NotContains(t, text, "none recorded")
}

func TestRemoveUntrackedInstructionsKeepsTrackedFile(t *testing.T) {
	s, st, _ := newTestScheduler(t, 1)
	ctx := context.Background()
	pid := readyProject(t, s, true)
	repoDir := st.RepoDir(pid)
	path := filepath.Join(repoDir, "AGENT.md")

	// A tracked file of the same name belongs to the project.
	require.NoError(t, os.WriteFile(path, []byte("project doc\n"), 0o644))
	rawGit(t, repoDir, "add", "-f", "AGENT.md")
	rawGit(t, repoDir, "commit", "-m", "docs: agent notes")

	s.removeUntrackedInstructions(ctx, repoDir)
	assert.FileExists(t, path)

	// A stray untracked copy is removed.
	rawGit(t, repoDir, "rm", "AGENT.md")
	rawGit(t, repoDir, "commit", "-m", "docs: drop agent notes")
	require.NoError(t, os.WriteFile(path, []byte("stray\n"), 0o644))

	s.removeUntrackedInstructions(ctx, repoDir)
	assert.NoFileExists(t, path)
}

func TestRunTaskMergePendingWhenAutoMergeOff(t *testing.T) {
	s, st, rt := newTestScheduler(t, 1)
	ctx := context.Background()
	pid := readyProject(t, s, false)
	task := claimedTask(t, st, pid, "feature without auto merge")

	wtDir := st.WorktreeDir(pid, "worker-1")
	rt.onWait = func(container.Handle) {
		require.NoError(t, os.WriteFile(filepath.Join(wtDir, "feature.txt"), []byte("x\n"), 0o644))
		rawGit(t, wtDir, "add", "feature.txt")
		rawGit(t, wtDir, "commit", "-m", "feat: x")
		_, err := s.HandleCallback(ctx, pid, task.ID, "merging", "", "", "")
		require.NoError(t, err)
	}

	s.runTask(ctx, "worker-1", pid, task)

	got, err := st.GetTask(ctx, pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskMergePending, got.Status, got.Error)
	assert.NotEmpty(t, got.CommitID)

	// The branch survives for the manual merge.
	repoDir := st.RepoDir(pid)
	assert.True(t, s.git.RefExists(ctx, repoDir, "agent/"+got.ID))

	// Manual merge finishes the task.
	got, err = s.ManualMerge(ctx, pid, got.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
	assert.FileExists(t, filepath.Join(repoDir, "feature.txt"))
}

func TestRunTaskFailsWithoutCallback(t *testing.T) {
	s, st, _ := newTestScheduler(t, 1)
	s.cfg.Scheduler.CallbackGrace = 50 * time.Millisecond
	ctx := context.Background()
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "silent worker")

	s.runTask(ctx, "worker-1", pid, task)

	got, err := st.GetTask(ctx, pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "worker exited without status")
	assert.NoDirExists(t, st.WorktreeDir(pid, "worker-1"))
}

func TestRunTaskFailsWithoutNewCommits(t *testing.T) {
	s, st, rt := newTestScheduler(t, 1)
	ctx := context.Background()
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "worker reports done but commits nothing")

	rt.onWait = func(container.Handle) {
		_, err := s.HandleCallback(ctx, pid, task.ID, "merging", "", "", "")
		require.NoError(t, err)
	}

	s.runTask(ctx, "worker-1", pid, task)

	got, err := st.GetTask(ctx, pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "no new commits")
}

func TestRunTaskTimesOut(t *testing.T) {
	s, st, rt := newTestScheduler(t, 1)
	s.cfg.Scheduler.TaskTimeout = 50 * time.Millisecond
	rt.block = true
	ctx := context.Background()
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "worker that never finishes")

	s.runTask(ctx, "worker-1", pid, task)

	got, err := st.GetTask(ctx, pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "exceeded")
}

func TestRetryClearsTerminalTask(t *testing.T) {
	s, st, _ := newTestScheduler(t, 1)
	ctx := context.Background()
	pid := readyProject(t, s, true)
	task := claimedTask(t, st, pid, "task to retry")
	_, err := st.Transition(ctx, pid, task.ID, store.TaskRunning, nil)
	require.NoError(t, err)
	_, err = st.Transition(ctx, pid, task.ID, store.TaskFailed, func(tk *store.Task) {
		tk.Error = "boom"
		tk.Branch = "agent/" + task.ID
	})
	require.NoError(t, err)

	got, err := s.Retry(ctx, pid, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.Branch)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// Retry from completed is refused.
	_, err = st.Transition(ctx, pid, task.ID, store.TaskClaimed, nil)
	require.NoError(t, err)
	for _, status := range []store.TaskStatus{store.TaskRunning, store.TaskMerging, store.TaskCompleted} {
		_, err = st.Transition(ctx, pid, task.ID, status, nil)
		require.NoError(t, err)
	}
	_, err = s.Retry(ctx, pid, task.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestBuildPromptSections(t *testing.T) {
	task := &store.Task{
		ID:          "t-000007",
		Title:       "tighten retry loop",
		Description: "tighten retry loop\nbound the backoff",
		Plan:        "1. find the loop\n2. add a cap",
	}

	// Unapproved plans stay out of the prompt.
	p := BuildPrompt(task, "", "")
	assert.Contains(t, p, "# Task t-000007: tighten retry loop")
	assert.NotContains(t, p, "Approved plan")
	assert.Contains(t, p, "Ground rules")

	task.PlanApproved = true
	p = BuildPrompt(task, "## [x] old lesson", "[cross-project: other]")
	assert.Contains(t, p, "Approved plan")
	assert.Contains(t, p, "add a cap")
	assert.Contains(t, p, "old lesson")
	assert.Contains(t, p, "[cross-project: other]")
}
