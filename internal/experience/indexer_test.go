package experience

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/git"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func newIndexer(t *testing.T) *Indexer {
	t.Helper()
	return NewIndexer(git.NewManager(testLog(t)), DefaultBudgets(), testLog(t))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "--initial-branch", "main"},
		{"config", "user.name", "tester"},
		{"config", "user.email", "tester@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x\n"), 0o644))
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "-c", "commit.gpgsign=false", "commit", "-m", "initial")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return dir
}

func sampleEntry(n int) Entry {
	return Entry{
		TaskID:      fmt.Sprintf("t-%06d", n),
		Title:       fmt.Sprintf("improve websocket reconnect logic %d", n),
		WorkerID:    "worker-1",
		Commit:      "abc1234",
		Problem:     "reconnect loop hammered the server after network blips",
		Solution:    "added exponential backoff with jitter to the reconnect path",
		Prevention:  "always bound retry loops that talk to remote services",
		KeyFiles:    []string{"ws/client.go"},
		CompletedAt: time.Date(2026, 8, 26, 10, 0, n, 0, time.UTC),
	}
}

func TestAppendCommitsEntry(t *testing.T) {
	ix := newIndexer(t)
	repo := initRepo(t)
	ctx := context.Background()

	require.NoError(t, ix.Append(ctx, repo, sampleEntry(1)))

	data, err := os.ReadFile(filepath.Join(repo, FileName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "## [2026-08-26T10:00:01Z] improve websocket reconnect logic 1")
	assert.Contains(t, content, "**Problem:** reconnect loop")
	assert.Contains(t, content, "**Prevention:** always bound")
	assert.Contains(t, content, "- Key files: ws/client.go")

	// The entry was committed, so the tree is clean.
	dirty, err := git.NewManager(testLog(t)).IsDirty(ctx, repo)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestRecentReturnsNewestEntriesBounded(t *testing.T) {
	ix := newIndexer(t)
	repo := initRepo(t)
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		require.NoError(t, ix.Append(ctx, repo, sampleEntry(i)))
	}
	snippet := ix.Recent(repo)
	require.NotEmpty(t, snippet)

	// Default budget keeps the last five entries.
	assert.NotContains(t, snippet, "t-000003")
	assert.Contains(t, snippet, "t-000004")
	assert.Contains(t, snippet, "t-000008")
	assert.LessOrEqual(t, len(snippet), DefaultBudgets().PromptBudget)
}

func TestRecentEmptyWithoutFile(t *testing.T) {
	ix := newIndexer(t)
	assert.Empty(t, ix.Recent(t.TempDir()))
}

func TestRecentRespectsPromptBudget(t *testing.T) {
	budgets := DefaultBudgets()
	budgets.PromptBudget = 100
	ix := NewIndexer(git.NewManager(testLog(t)), budgets, testLog(t))
	repo := initRepo(t)
	require.NoError(t, ix.Append(context.Background(), repo, sampleEntry(1)))
	assert.LessOrEqual(t, len(ix.Recent(repo)), 100)
}

func TestCrossProjectFindsSimilarEntries(t *testing.T) {
	ix := newIndexer(t)
	ctx := context.Background()

	wsRepo := initRepo(t)
	require.NoError(t, ix.Append(ctx, wsRepo, sampleEntry(1)))

	dbRepo := initRepo(t)
	require.NoError(t, ix.Append(ctx, dbRepo, Entry{
		TaskID:      "t-000099",
		Title:       "tune database connection pool",
		Problem:     "pool exhaustion under load",
		Solution:    "raised max connections and added idle timeout",
		Prevention:  "monitor pool saturation",
		CompletedAt: time.Now().UTC(),
	}))

	refs := []ProjectRef{
		{ID: "p1", Name: "ws-service", RepoDir: wsRepo},
		{ID: "p2", Name: "db-service", RepoDir: dbRepo},
	}
	snippet := ix.CrossProject(refs, "websocket reconnect keeps dropping connection")
	require.NotEmpty(t, snippet)
	assert.Contains(t, snippet, "[cross-project: ws-service]")
	assert.Contains(t, snippet, "reconnect")
	assert.LessOrEqual(t, len(snippet), DefaultBudgets().CrossBudgetBytes)

	// A query with no lexical overlap yields nothing.
	assert.Empty(t, ix.CrossProject(refs, "zzzql quxx"))
}

func TestBootstrapOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Bootstrap(dir, "demo"))
	first, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(first), "# Progress Log"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("custom\n"), 0o644))
	require.NoError(t, Bootstrap(dir, "demo"))
	second, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, "custom\n", string(second))
}

func TestTokenSetStemsAndFilters(t *testing.T) {
	tokens := tokenSet("Testing the reconnecting workers and tests")
	assert.True(t, tokens["test"])
	assert.True(t, tokens["reconnect"])
	assert.True(t, tokens["work"])
	assert.False(t, tokens["the"])
	assert.False(t, tokens["and"])
}
