package mergetest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/git"
)

const (
	defaultRetries = 3
	rebaseBackoff  = 5 * time.Second
	outputExcerpt  = 2000
)

// Phases reported to the OnPhase callback.
const (
	PhaseRebase = "rebase"
	PhaseTest   = "test"
)

// Input identifies one merge-test run.
type Input struct {
	WorktreeDir string
	RepoDir     string
	BaseBranch  string
	WorkerID    string
	TaskID      string
	// OnPhase is called when the run moves between rebasing and testing.
	// May be nil.
	OnPhase func(phase string)
}

// Result is the outcome of a run.
type Result struct {
	OK       bool
	FinalSHA string
	Reason   string
}

// TestRunner executes a test command in dir and reports pass/fail with the
// captured output. Injectable for tests.
type TestRunner func(ctx context.Context, dir string, cmd []string) (bool, string)

// Engine drives rebase, tests, and agent-assisted repair.
type Engine struct {
	git     *git.Manager
	agent   agentcli.Agent
	log     *logger.Logger
	retries int
	backoff time.Duration
	runner  TestRunner
}

// NewEngine creates an Engine with default retry bounds.
func NewEngine(g *git.Manager, agent agentcli.Agent, log *logger.Logger) *Engine {
	return &Engine{
		git:     g,
		agent:   agent,
		log:     log.WithFields(zap.String("component", "mergetest")),
		retries: defaultRetries,
		backoff: rebaseBackoff,
		runner:  runTestCommand,
	}
}

// SetRetries overrides the attempt bound.
func (e *Engine) SetRetries(n int) {
	if n > 0 {
		e.retries = n
	}
}

// SetBackoff overrides the wait after an aborted rebase.
func (e *Engine) SetBackoff(d time.Duration) { e.backoff = d }

// SetTestRunner replaces the test executor.
func (e *Engine) SetTestRunner(r TestRunner) { e.runner = r }

// Run rebases the worktree onto the base branch and runs the tests, asking
// the agent to resolve conflicts or fix failures. Never merges or pushes;
// that is the scheduler's decision.
func (e *Engine) Run(ctx context.Context, in Input) Result {
	log := e.log.WithTaskID(in.TaskID).WithWorkerID(in.WorkerID)

	// Best effort: a missing or unreachable remote is not fatal.
	if e.git.HasRemote(ctx, in.RepoDir) {
		if err := e.git.Fetch(ctx, in.RepoDir, "origin"); err != nil {
			log.Warn("fetch before rebase failed", zap.Error(err))
		}
	}

	target := ""
	if e.git.RefExists(ctx, in.WorktreeDir, "origin/"+in.BaseBranch) {
		target = "origin/" + in.BaseBranch
	} else if e.git.RefExists(ctx, in.WorktreeDir, in.BaseBranch) {
		target = in.BaseBranch
	}

	rebased := target == ""
	for attempt := 1; attempt <= e.retries; attempt++ {
		if ctx.Err() != nil {
			return Result{Reason: "cancelled"}
		}

		if !rebased {
			phase(in, PhaseRebase)
			ok, reason := e.rebaseOnce(ctx, in, target, log)
			if reason != "" {
				if attempt == e.retries {
					return Result{Reason: reason}
				}
				continue
			}
			if !ok {
				// Transient rebase abort: back off and retry.
				select {
				case <-time.After(e.backoff):
				case <-ctx.Done():
					return Result{Reason: "cancelled"}
				}
				continue
			}
			rebased = true
		}

		phase(in, PhaseTest)
		passed, reason := e.testOnce(ctx, in, log)
		if passed {
			sha, err := e.git.HeadSHA(ctx, in.WorktreeDir)
			if err != nil {
				return Result{Reason: "resolve final sha: " + err.Error()}
			}
			return Result{OK: true, FinalSHA: sha}
		}
		if attempt == e.retries {
			return Result{Reason: reason}
		}
		// Base may have moved while the agent was fixing tests.
		rebased = target == ""
	}
	return Result{Reason: fmt.Sprintf("merge-test retries exhausted (%d)", e.retries)}
}

// rebaseOnce attempts one rebase. ok=false with empty reason means a
// transient abort worth retrying; a non-empty reason is terminal for this
// attempt.
func (e *Engine) rebaseOnce(ctx context.Context, in Input, target string, log *logger.Logger) (bool, string) {
	res, err := e.git.Rebase(ctx, in.WorktreeDir, target)
	if err != nil {
		return false, "rebase failed: " + err.Error()
	}
	switch res.State {
	case git.RebaseClean:
		return true, ""
	case git.RebaseConflict:
		log.Info("rebase conflict, invoking agent", zap.Strings("files", res.Files))
		if err := e.resolveConflicts(ctx, in, res.Files); err != nil {
			_ = e.git.RebaseAbort(ctx, in.WorktreeDir)
			return false, "conflict resolution failed: " + err.Error()
		}
		remaining, err := e.git.ConflictedFiles(ctx, in.WorktreeDir)
		if err == nil && len(remaining) == 0 {
			if err := e.git.StageAll(ctx, in.WorktreeDir); err != nil {
				_ = e.git.RebaseAbort(ctx, in.WorktreeDir)
				return false, "stage resolved files: " + err.Error()
			}
			if err := e.git.RebaseContinue(ctx, in.WorktreeDir); err != nil {
				_ = e.git.RebaseAbort(ctx, in.WorktreeDir)
				return false, "rebase continue: " + err.Error()
			}
			return true, ""
		}
		_ = e.git.RebaseAbort(ctx, in.WorktreeDir)
		return false, fmt.Sprintf("conflicts remain in %s", strings.Join(remaining, ", "))
	default:
		_ = e.git.RebaseAbort(ctx, in.WorktreeDir)
		return false, ""
	}
}

// testOnce detects the framework and runs the tests, asking the agent to
// repair a failure. Returns pass plus a terminal reason on failure.
func (e *Engine) testOnce(ctx context.Context, in Input, log *logger.Logger) (bool, string) {
	framework, cmd := Detect(in.WorktreeDir)
	if framework == FrameworkNone {
		log.Debug("no tests configured")
		return true, ""
	}
	passed, output := e.runner(ctx, in.WorktreeDir, cmd)
	if passed {
		return true, ""
	}
	log.Info("tests failed, invoking agent", zap.String("framework", framework.String()))
	if err := e.fixTests(ctx, in, output); err != nil {
		return false, "test fix failed: " + err.Error()
	}
	if _, err := e.git.CommitAll(ctx, in.WorktreeDir, fmt.Sprintf("fix: failing tests (task %s)", in.TaskID)); err != nil {
		return false, "commit test fixes: " + err.Error()
	}
	passed, output = e.runner(ctx, in.WorktreeDir, cmd)
	if passed {
		return true, ""
	}
	return false, "tests still failing: " + excerpt(output)
}

func (e *Engine) resolveConflicts(ctx context.Context, in Input, files []string) error {
	prompt := fmt.Sprintf(
		"A git rebase in this directory hit merge conflicts in the following files:\n%s\n\n"+
			"Resolve every conflict by editing the files: remove all conflict markers "+
			"(<<<<<<<, =======, >>>>>>>) and keep the intent of both sides where possible. "+
			"Do not run git rebase --continue or --abort; only edit the files.",
		"- "+strings.Join(files, "\n- "))
	_, err := e.agent.Run(ctx, agentcli.Request{Prompt: prompt, Dir: in.WorktreeDir})
	return err
}

func (e *Engine) fixTests(ctx context.Context, in Input, output string) error {
	prompt := fmt.Sprintf(
		"The test suite in this directory is failing. Output:\n\n%s\n\n"+
			"Fix the code so the tests pass. Prefer fixing the implementation over "+
			"changing tests unless a test is clearly wrong. Do not commit.",
		excerpt(output))
	_, err := e.agent.Run(ctx, agentcli.Request{Prompt: prompt, Dir: in.WorktreeDir})
	return err
}

func phase(in Input, name string) {
	if in.OnPhase != nil {
		in.OnPhase(name)
	}
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputExcerpt {
		return s
	}
	return s[len(s)-outputExcerpt:]
}

// runTestCommand is the default TestRunner.
func runTestCommand(ctx context.Context, dir string, cmd []string) (bool, string) {
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	return err == nil, string(out)
}
