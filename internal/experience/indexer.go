// Package experience maintains PROGRESS.md, the per-repository log of
// completed-task lessons, and retrieves entries for prompt context.
package experience

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/git"
)

// FileName is the experience log file at a repository root.
const FileName = "PROGRESS.md"

// Entry is one structured completion record.
type Entry struct {
	TaskID      string
	Title       string
	WorkerID    string
	Commit      string
	Problem     string
	Solution    string
	Prevention  string
	KeyFiles    []string
	CompletedAt time.Time
}

// Budgets bound how much experience text reaches a prompt.
type Budgets struct {
	RecentEntries    int // entries read for the same project
	ReadBudgetBytes  int // bytes read from the file tail
	PromptBudget     int // bytes of the rendered same-project snippet
	CrossEntries     int // entries pulled from other projects
	CrossBudgetBytes int // bytes of the rendered cross-project snippet
}

// DefaultBudgets mirrors the engine's configuration defaults.
func DefaultBudgets() Budgets {
	return Budgets{
		RecentEntries:    5,
		ReadBudgetBytes:  12 * 1024,
		PromptBudget:     3 * 1024,
		CrossEntries:     3,
		CrossBudgetBytes: 2560,
	}
}

// Indexer appends and retrieves experience entries.
type Indexer struct {
	git     *git.Manager
	budgets Budgets
	agent   agentcli.Agent
	log     *logger.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(g *git.Manager, budgets Budgets, log *logger.Logger) *Indexer {
	return &Indexer{
		git:     g,
		budgets: budgets,
		log:     log.WithFields(zap.String("component", "experience")),
	}
}

// Bootstrap creates an empty experience file with a header if none exists.
func Bootstrap(repoDir, projectName string) error {
	path := filepath.Join(repoDir, FileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	header := fmt.Sprintf("# Progress Log — %s\n\nCompleted-task notes appended by workers. Newest entries last.\n", projectName)
	return os.WriteFile(path, []byte(header), 0o644)
}

// Append writes an entry to dir's experience file and commits it so the
// record travels with the task branch when it merges.
func (ix *Indexer) Append(ctx context.Context, dir string, e Entry) error {
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", FileName, err)
	}
	if _, err := f.WriteString(renderEntry(e)); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", FileName, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	committed, err := ix.git.CommitAll(ctx, dir, fmt.Sprintf("docs: progress entry for task %s", e.TaskID))
	if err != nil {
		return fmt.Errorf("commit experience entry: %w", err)
	}
	ix.log.Debug("experience entry appended",
		zap.String("task_id", e.TaskID), zap.Bool("committed", committed))
	return nil
}

func renderEntry(e Entry) string {
	ts := e.CompletedAt.UTC().Format(time.RFC3339)
	var b strings.Builder
	fmt.Fprintf(&b, "\n## [%s] %s\n\n", ts, e.Title)
	fmt.Fprintf(&b, "- Task: %s\n", e.TaskID)
	if e.WorkerID != "" {
		fmt.Fprintf(&b, "- Worker: %s\n", e.WorkerID)
	}
	if e.Commit != "" {
		fmt.Fprintf(&b, "- Commit: %s\n", e.Commit)
	}
	if len(e.KeyFiles) > 0 {
		fmt.Fprintf(&b, "- Key files: %s\n", strings.Join(e.KeyFiles, ", "))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "**Problem:** %s\n\n", orNone(e.Problem))
	fmt.Fprintf(&b, "**Solution:** %s\n\n", orNone(e.Solution))
	fmt.Fprintf(&b, "**Prevention:** %s\n", orNone(e.Prevention))
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none recorded"
	}
	return s
}

// Recent renders the newest entries of a repo's experience file as a prompt
// snippet, bounded by the configured entry count, read budget and prompt
// budget. Returns "" when no entries exist.
func (ix *Indexer) Recent(repoDir string) string {
	entries := readEntries(filepath.Join(repoDir, FileName), ix.budgets.ReadBudgetBytes)
	if len(entries) == 0 {
		return ""
	}
	if len(entries) > ix.budgets.RecentEntries {
		entries = entries[len(entries)-ix.budgets.RecentEntries:]
	}
	snippet := strings.Join(entries, "\n\n")
	return capBytes(snippet, ix.budgets.PromptBudget)
}

// ProjectRef names a sibling project searchable for cross-project context.
type ProjectRef struct {
	ID      string
	Name    string
	RepoDir string
}

// CrossProject searches other projects' experience files for entries
// lexically similar to the query, returning a labeled snippet within the
// cross budget. Entries with no token overlap are never included.
func (ix *Indexer) CrossProject(projects []ProjectRef, query string) string {
	qTokens := tokenSet(query)
	if len(qTokens) == 0 {
		return ""
	}
	type scored struct {
		score   int
		project string
		entry   string
	}
	var hits []scored
	for _, p := range projects {
		for _, entry := range readEntries(filepath.Join(p.RepoDir, FileName), ix.budgets.ReadBudgetBytes) {
			s := overlap(qTokens, tokenSet(entry))
			if s > 0 {
				hits = append(hits, scored{score: s, project: p.Name, entry: entry})
			}
		}
	}
	if len(hits) == 0 {
		return ""
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > ix.budgets.CrossEntries {
		hits = hits[:ix.budgets.CrossEntries]
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[cross-project: %s]\n%s\n\n", h.project, h.entry)
	}
	return capBytes(strings.TrimSpace(b.String()), ix.budgets.CrossBudgetBytes)
}

// readEntries loads up to budget bytes from the tail of path and splits it
// into level-2 entries, oldest first.
func readEntries(path string, budget int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	size := info.Size()
	offset := int64(0)
	if size > int64(budget) {
		offset = size - int64(budget)
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil
	}
	text := string(buf)
	if offset > 0 {
		// Drop the possibly torn first entry.
		if idx := strings.Index(text, "\n## "); idx >= 0 {
			text = text[idx+1:]
		}
	}
	var entries []string
	for _, chunk := range strings.Split("\n"+text, "\n## ") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || !strings.HasPrefix(chunk, "[") {
			continue
		}
		entries = append(entries, "## "+chunk)
	}
	return entries
}

func capBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "not": true, "its": true, "into": true,
	"when": true, "then": true, "than": true, "none": true, "task": true,
}

// tokenSet lowercases, strips punctuation, drops stopwords and short words,
// and applies crude suffix stemming so "testing" matches "tests".
func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	var word strings.Builder
	flush := func() {
		w := word.String()
		word.Reset()
		if len(w) < 3 || stopwords[w] {
			return
		}
		out[stem(w)] = true
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			flush()
		}
	}
	if word.Len() > 0 {
		flush()
	}
	return out
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ers", "ed", "es", "s"} {
		if strings.HasSuffix(w, suffix) && len(w)-len(suffix) >= 3 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
