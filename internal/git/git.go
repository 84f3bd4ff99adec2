// Package git wraps the git binary with the semantic operations the engine
// needs: clone/init, fetch, worktree management, rebase with conflict
// reporting, merge, push, history, and worktree-link integrity checks.
// Operations are pure with respect to engine state; callers serialize access
// to a repository root via the per-repo lock.
package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/logger"
)

const logSep = "---GIT-SEP---"

// Manager executes git operations. The zero value is not usable; construct
// with NewManager.
type Manager struct {
	log *logger.Logger

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		log:       log.WithFields(zap.String("component", "git")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// RepoLock returns the mutex serializing operations against a repo root
// (merge, fetch, push). Worktree-local operations do not need it.
func (m *Manager) RepoLock(repoDir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.repoLocks[repoDir]
	if !ok {
		lk = &sync.Mutex{}
		m.repoLocks[repoDir] = lk
	}
	return lk
}

// run executes git in dir and returns trimmed combined output.
func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, &CommandError{Args: args, Output: output}
	}
	return output, nil
}

// Clone clones url into dir. branch may be empty for the remote default.
func (m *Manager) Clone(ctx context.Context, url, branch, dir string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)
	_, err := m.run(ctx, "", args...)
	return err
}

// Init creates an empty repository in dir with the given initial branch.
func (m *Manager) Init(ctx context.Context, dir, branch string) error {
	_, err := m.run(ctx, "", "init", "--initial-branch", branch, dir)
	return err
}

// Fetch updates remote refs. Best-effort callers should ignore the error.
func (m *Manager) Fetch(ctx context.Context, dir, remote string) error {
	_, err := m.run(ctx, dir, "fetch", remote, "--prune")
	return err
}

// HeadSHA returns the full sha of HEAD.
func (m *Manager) HeadSHA(ctx context.Context, dir string) (string, error) {
	return m.run(ctx, dir, "rev-parse", "HEAD")
}

// RefSHA resolves a ref to a full sha.
func (m *Manager) RefSHA(ctx context.Context, dir, ref string) (string, error) {
	return m.run(ctx, dir, "rev-parse", "--verify", ref)
}

// RefExists reports whether ref resolves in dir.
func (m *Manager) RefExists(ctx context.Context, dir, ref string) bool {
	_, err := m.run(ctx, dir, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" if detached.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return m.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// EnsureIdentity sets a repo-local commit identity when none resolves, so
// engine-made commits (progress entries, merges, test fixes) never fail on a
// host without global git config.
func (m *Manager) EnsureIdentity(ctx context.Context, dir, name, email string) error {
	if _, err := m.run(ctx, dir, "config", "user.email"); err == nil {
		return nil
	}
	if _, err := m.run(ctx, dir, "config", "user.name", name); err != nil {
		return err
	}
	_, err := m.run(ctx, dir, "config", "user.email", email)
	return err
}

// Worktree describes one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Head   string
	Branch string
}

// WorktreeAdd creates branch at baseRef and checks it out in dir. Fails if
// the branch is checked out in another worktree; callers prune first.
func (m *Manager) WorktreeAdd(ctx context.Context, repo, branch, dir, baseRef string) error {
	_, err := m.run(ctx, repo, "worktree", "add", "-b", branch, dir, baseRef)
	return err
}

// WorktreeRemove detaches a worktree directory from the repo.
func (m *Manager) WorktreeRemove(ctx context.Context, repo, dir string) error {
	_, err := m.run(ctx, repo, "worktree", "remove", "--force", dir)
	return err
}

// WorktreePrune drops stale worktree bookkeeping.
func (m *Manager) WorktreePrune(ctx context.Context, repo string) error {
	_, err := m.run(ctx, repo, "worktree", "prune")
	return err
}

// WorktreeList returns the repo's registered worktrees, main checkout first.
func (m *Manager) WorktreeList(ctx context.Context, repo string) ([]Worktree, error) {
	out, err := m.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var (
		list []Worktree
		cur  Worktree
	)
	flush := func() {
		if cur.Path != "" {
			list = append(list, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return list, nil
}

// DeleteBranch force-deletes a local branch. Missing branches are not an
// error.
func (m *Manager) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := m.run(ctx, repo, "branch", "-D", branch)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// DeleteRemoteBranch removes a branch on the remote.
func (m *Manager) DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error {
	_, err := m.run(ctx, repo, "push", remote, "--delete", branch)
	return err
}

// IsDirty reports whether dir has uncommitted or untracked changes.
func (m *Manager) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := m.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StashAll stashes tracked and untracked changes in dir.
func (m *Manager) StashAll(ctx context.Context, dir, message string) error {
	_, err := m.run(ctx, dir, "stash", "push", "--include-untracked", "-m", message)
	return err
}

// StageAll stages every change in dir, including untracked files.
func (m *Manager) StageAll(ctx context.Context, dir string) error {
	_, err := m.run(ctx, dir, "add", "-A")
	return err
}

// CommitAll stages everything and commits when the status is non-empty.
// Returns whether a commit was made.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := m.IsDirty(ctx, dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if _, err := m.run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := m.run(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// RebaseState classifies the outcome of a rebase attempt.
type RebaseState int

const (
	RebaseClean RebaseState = iota
	RebaseConflict
	RebaseAbortedOther
)

// RebaseResult is the tri-state outcome of Rebase.
type RebaseResult struct {
	State RebaseState
	Files []string // conflicted paths when State == RebaseConflict
}

// Rebase rebases dir onto target. A conflicted rebase is left in progress so
// the caller can resolve and continue, or abort.
func (m *Manager) Rebase(ctx context.Context, dir, target string) (RebaseResult, error) {
	out, err := m.run(ctx, dir, "rebase", target)
	if err == nil {
		return RebaseResult{State: RebaseClean}, nil
	}
	files, ferr := m.ConflictedFiles(ctx, dir)
	if ferr == nil && len(files) > 0 {
		return RebaseResult{State: RebaseConflict, Files: files}, nil
	}
	if strings.Contains(out, "CONFLICT") {
		return RebaseResult{State: RebaseConflict}, nil
	}
	return RebaseResult{State: RebaseAbortedOther}, nil
}

// ConflictedFiles lists unmerged paths in dir.
func (m *Manager) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := m.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	files := strings.Split(out, "\n")
	sort.Strings(files)
	return files, nil
}

// RebaseContinue resumes an in-progress rebase after conflicts were staged.
func (m *Manager) RebaseContinue(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "-c", "core.editor=true", "rebase", "--continue")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &CommandError{Args: []string{"rebase", "--continue"}, Output: string(out)}
	}
	return nil
}

// RebaseAbort abandons an in-progress rebase. Safe when none is running.
func (m *Manager) RebaseAbort(ctx context.Context, dir string) error {
	_, err := m.run(ctx, dir, "rebase", "--abort")
	if err != nil && strings.Contains(err.Error(), "No rebase in progress") {
		return nil
	}
	return err
}

// Checkout switches repo to branch. With reset, the branch is created or
// reset to startPoint first.
func (m *Manager) Checkout(ctx context.Context, repo, branch string, reset bool, startPoint string) error {
	if reset && startPoint != "" {
		_, err := m.run(ctx, repo, "checkout", "-B", branch, startPoint)
		return err
	}
	_, err := m.run(ctx, repo, "checkout", branch)
	return err
}

// Merge merges branch into the currently checked-out branch of repo. With
// squash, the changes are staged and committed as a single commit using
// message.
func (m *Manager) Merge(ctx context.Context, repo, branch string, squash bool, message string) error {
	if squash {
		if _, err := m.run(ctx, repo, "merge", "--squash", branch); err != nil {
			return err
		}
		_, err := m.run(ctx, repo, "commit", "-m", message)
		return err
	}
	_, err := m.run(ctx, repo, "merge", "--no-edit", branch)
	return err
}

// MergeAbort abandons an in-progress merge.
func (m *Manager) MergeAbort(ctx context.Context, repo string) error {
	_, err := m.run(ctx, repo, "merge", "--abort")
	return err
}

// Push pushes ref to remote.
func (m *Manager) Push(ctx context.Context, repo, remote, ref string) error {
	_, err := m.run(ctx, repo, "push", remote, ref)
	return err
}

// IsTracked reports whether path is tracked by the repository's index.
func (m *Manager) IsTracked(ctx context.Context, repo, path string) bool {
	_, err := m.run(ctx, repo, "ls-files", "--error-unmatch", "--", path)
	return err == nil
}

// HasRemote reports whether repo has at least one configured remote.
func (m *Manager) HasRemote(ctx context.Context, repo string) bool {
	out, err := m.run(ctx, repo, "remote")
	return err == nil && out != ""
}

// UnpushedCount returns how many commits on branch are missing from
// origin/<branch>. Zero when the remote branch does not exist.
func (m *Manager) UnpushedCount(ctx context.Context, repo, branch string) (int, error) {
	if !m.RefExists(ctx, repo, "origin/"+branch) {
		return 0, nil
	}
	out, err := m.run(ctx, repo, "rev-list", "--count", "origin/"+branch+".."+branch)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// CommitsAhead counts commits reachable from dir's HEAD but not from baseRef.
func (m *Manager) CommitsAhead(ctx context.Context, dir, baseRef string) (int, error) {
	out, err := m.run(ctx, dir, "rev-list", "--count", baseRef+"..HEAD")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// Commit is one entry of the history view.
type Commit struct {
	SHA     string   `json:"sha"`
	Short   string   `json:"short"`
	Parents []string `json:"parents"`
	Message string   `json:"message"`
	Author  string   `json:"author"`
	TimeAgo string   `json:"time_ago"`
	Refs    []string `json:"refs"`
}

// Log returns up to limit commits across all refs in topological order.
func (m *Manager) Log(ctx context.Context, repo string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := m.run(ctx, repo,
		"log", "--all", "--topo-order", "-n", strconv.Itoa(limit),
		"--pretty=format:%H|%h|%P|%s|%an|%ar|%D"+logSep)
	if err != nil {
		// An empty repository has no HEAD to log.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}
	var commits []Commit
	for _, rec := range strings.Split(out, logSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "|", 7)
		if len(parts) < 7 {
			continue
		}
		c := Commit{
			SHA:     parts[0],
			Short:   parts[1],
			Message: parts[3],
			Author:  parts[4],
			TimeAgo: parts[5],
		}
		if parts[2] != "" {
			c.Parents = strings.Fields(parts[2])
		}
		if parts[6] != "" {
			for _, ref := range strings.Split(parts[6], ",") {
				ref = strings.TrimSpace(ref)
				ref = strings.TrimPrefix(ref, "HEAD -> ")
				if ref != "" {
					c.Refs = append(c.Refs, ref)
				}
			}
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// FileChange is one changed path in a commit.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // A, M, D, R
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitDetail returns a commit's full message body and its file changes.
func (m *Manager) CommitDetail(ctx context.Context, repo, sha string) (string, []FileChange, error) {
	body, err := m.run(ctx, repo, "show", "-s", "--format=%B", sha)
	if err != nil {
		return "", nil, err
	}
	nameStatus, err := m.run(ctx, repo, "diff-tree", "--no-commit-id", "--name-status", "-r", "-M", sha)
	if err != nil {
		return "", nil, err
	}
	numstat, err := m.run(ctx, repo, "diff-tree", "--no-commit-id", "--numstat", "-r", "-M", sha)
	if err != nil {
		return "", nil, err
	}

	counts := map[string][2]int{}
	for _, line := range strings.Split(numstat, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		path := fields[len(fields)-1]
		counts[path] = [2]int{add, del}
	}

	var files []FileChange
	for _, line := range strings.Split(nameStatus, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := string(fields[0][0])
		path := fields[len(fields)-1]
		fc := FileChange{Path: path, Status: status}
		if c, ok := counts[path]; ok {
			fc.Additions, fc.Deletions = c[0], c[1]
		}
		files = append(files, fc)
	}
	return body, files, nil
}

// PickBaseRef chooses the ref a new task branch starts from: the remote
// tracking ref when present, else the local branch, else HEAD.
func (m *Manager) PickBaseRef(ctx context.Context, repo, base string) string {
	if m.RefExists(ctx, repo, "origin/"+base) {
		return "origin/" + base
	}
	if m.RefExists(ctx, repo, base) {
		return base
	}
	return "HEAD"
}

// AddToExclude appends a pattern to repo's .git/info/exclude unless it is
// already listed. Excluded files never show up in status and are never
// committed.
func (m *Manager) AddToExclude(ctx context.Context, repo, pattern string) error {
	gitDir, err := m.run(ctx, repo, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return err
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	if data, err := os.ReadFile(excludePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == pattern {
				return nil
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(pattern + "\n")
	return err
}

func (s RebaseState) String() string {
	switch s {
	case RebaseClean:
		return "clean"
	case RebaseConflict:
		return "conflict"
	default:
		return "aborted"
	}
}
