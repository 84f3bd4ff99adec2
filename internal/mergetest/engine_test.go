package mergetest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/git"
)

// fakeAgent applies a function to the worktree instead of calling the CLI.
type fakeAgent struct {
	calls int
	apply func(dir string, prompt string) error
}

func (f *fakeAgent) Run(_ context.Context, req agentcli.Request) (*agentcli.Result, error) {
	f.calls++
	if f.apply != nil {
		if err := f.apply(req.Dir, req.Prompt); err != nil {
			return nil, err
		}
	}
	return &agentcli.Result{Text: "done"}, nil
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

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// repoWithBranch builds a repo plus a worktree on agent/t-000001 carrying one
// commit. Returns (repoDir, worktreeDir).
func repoWithBranch(t *testing.T, g *git.Manager) (string, string) {
	t.Helper()
	ctx := context.Background()
	repo := t.TempDir()
	rawGit(t, repo, "init", "--initial-branch", "main")
	rawGit(t, repo, "config", "user.name", "tester")
	rawGit(t, repo, "config", "user.email", "tester@example.com")
	writeFile(t, repo, "README.md", "hello\n")
	rawGit(t, repo, "add", "-A")
	rawGit(t, repo, "commit", "-m", "initial commit")

	wt := filepath.Join(t.TempDir(), "worker-1")
	require.NoError(t, g.WorktreeAdd(ctx, repo, "agent/t-000001", wt, "main"))
	writeFile(t, wt, "feature.txt", "feature\n")
	rawGit(t, wt, "add", "-A")
	rawGit(t, wt, "commit", "-m", "feature work")
	return repo, wt
}

func TestRunCleanRebaseNoTests(t *testing.T) {
	g := git.NewManager(testLog(t))
	agent := &fakeAgent{}
	e := NewEngine(g, agent, testLog(t))
	repo, wt := repoWithBranch(t, g)

	var phases []string
	res := e.Run(context.Background(), Input{
		WorktreeDir: wt,
		RepoDir:     repo,
		BaseBranch:  "main",
		WorkerID:    "worker-1",
		TaskID:      "t-000001",
		OnPhase:     func(p string) { phases = append(phases, p) },
	})
	require.True(t, res.OK, res.Reason)
	assert.Len(t, res.FinalSHA, 40)
	assert.Equal(t, 0, agent.calls)
	assert.Equal(t, []string{PhaseRebase, PhaseTest}, phases)
}

func TestRunResolvesConflictViaAgent(t *testing.T) {
	g := git.NewManager(testLog(t))
	ctx := context.Background()
	agent := &fakeAgent{
		apply: func(dir, prompt string) error {
			assert.Contains(t, prompt, "README.md")
			return os.WriteFile(filepath.Join(dir, "README.md"), []byte("merged\n"), 0o644)
		},
	}
	e := NewEngine(g, agent, testLog(t))
	repo, wt := repoWithBranch(t, g)

	// Both sides edit README.md.
	writeFile(t, repo, "README.md", "base side\n")
	rawGit(t, repo, "add", "-A")
	rawGit(t, repo, "commit", "-m", "base edits readme")
	writeFile(t, wt, "README.md", "branch side\n")
	rawGit(t, wt, "add", "-A")
	rawGit(t, wt, "commit", "-m", "branch edits readme")

	res := e.Run(ctx, Input{WorktreeDir: wt, RepoDir: repo, BaseBranch: "main", TaskID: "t-000001"})
	require.True(t, res.OK, res.Reason)
	assert.Equal(t, 1, agent.calls)

	data, err := os.ReadFile(filepath.Join(wt, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "merged\n", string(data))

	files, err := g.ConflictedFiles(ctx, wt)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunFixesFailingTests(t *testing.T) {
	g := git.NewManager(testLog(t))
	agent := &fakeAgent{
		apply: func(dir, _ string) error {
			return os.WriteFile(filepath.Join(dir, "fixed.txt"), []byte("fixed\n"), 0o644)
		},
	}
	e := NewEngine(g, agent, testLog(t))
	repo, wt := repoWithBranch(t, g)

	// Pretend a node project whose tests pass only after the agent's fix.
	writeFile(t, wt, "package.json", `{"scripts":{"test":"run-my-tests"}}`)
	rawGit(t, wt, "add", "-A")
	rawGit(t, wt, "commit", "-m", "add test script")

	e.SetTestRunner(func(_ context.Context, dir string, _ []string) (bool, string) {
		if _, err := os.Stat(filepath.Join(dir, "fixed.txt")); err == nil {
			return true, "ok"
		}
		return false, "1 test failed: expectation mismatch"
	})

	res := e.Run(context.Background(), Input{WorktreeDir: wt, RepoDir: repo, BaseBranch: "main", TaskID: "t-000001"})
	require.True(t, res.OK, res.Reason)
	assert.Equal(t, 1, agent.calls)

	// The fix was committed so it merges with the branch.
	dirty, err := g.IsDirty(context.Background(), wt)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestRunExhaustsRetries(t *testing.T) {
	g := git.NewManager(testLog(t))
	agent := &fakeAgent{} // never fixes anything
	e := NewEngine(g, agent, testLog(t))
	e.SetRetries(2)
	repo, wt := repoWithBranch(t, g)

	writeFile(t, wt, "package.json", `{"scripts":{"test":"run-my-tests"}}`)
	rawGit(t, wt, "add", "-A")
	rawGit(t, wt, "commit", "-m", "add test script")

	e.SetTestRunner(func(context.Context, string, []string) (bool, string) {
		return false, "always failing"
	})

	res := e.Run(context.Background(), Input{WorktreeDir: wt, RepoDir: repo, BaseBranch: "main", TaskID: "t-000001"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "failing")
	assert.Equal(t, 2, agent.calls)
}

func TestRunCancelled(t *testing.T) {
	g := git.NewManager(testLog(t))
	e := NewEngine(g, &fakeAgent{}, testLog(t))
	repo, wt := repoWithBranch(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Run(ctx, Input{WorktreeDir: wt, RepoDir: repo, BaseBranch: "main", TaskID: "t-000001"})
	assert.False(t, res.OK)
}

func TestDetectNode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"test":"vitest run"}}`)
	fw, cmd := Detect(dir)
	assert.Equal(t, FrameworkNode, fw)
	assert.Equal(t, "npm", cmd[0])
}

func TestDetectSkipsNpmDefaultScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json",
		`{"scripts":{"test":"echo \"Error: no test specified\" && exit 1"}}`)
	fw, _ := Detect(dir)
	assert.Equal(t, FrameworkNone, fw)
}

func TestDetectPython(t *testing.T) {
	for _, marker := range []string{"pytest.ini", "pyproject.toml", "setup.py"} {
		dir := t.TempDir()
		writeFile(t, dir, marker, "")
		fw, cmd := Detect(dir)
		assert.Equal(t, FrameworkPython, fw, marker)
		assert.Contains(t, cmd, "pytest")
	}
}

func TestDetectNothing(t *testing.T) {
	fw, cmd := Detect(t.TempDir())
	assert.Equal(t, FrameworkNone, fw)
	assert.Nil(t, cmd)
}

func TestBackoffIsConfigurable(t *testing.T) {
	e := NewEngine(git.NewManager(testLog(t)), &fakeAgent{}, testLog(t))
	e.SetBackoff(time.Millisecond)
	assert.Equal(t, time.Millisecond, e.backoff)
}
