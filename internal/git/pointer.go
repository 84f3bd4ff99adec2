package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PointerPath returns the .git pointer file of a worktree. In a linked
// worktree this is a plain text file naming the parent repository's gitdir.
func PointerPath(worktreeDir string) string {
	return filepath.Join(worktreeDir, ".git")
}

// SnapshotPointer reads the pointer file's content before the worktree is
// handed to a container.
func SnapshotPointer(worktreeDir string) (string, error) {
	path := PointerPath(worktreeDir)
	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("stat worktree pointer: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: .git is a directory, not a worktree link", ErrWorktreeCorrupt)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read worktree pointer: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, "gitdir:") {
		return "", fmt.Errorf("%w: pointer file has no gitdir line", ErrWorktreeCorrupt)
	}
	return content, nil
}

// VerifyPointer checks the pointer file against a pre-container snapshot.
// Returns ErrWorktreeCorrupt when the file vanished, became a directory, or
// its content changed.
func VerifyPointer(worktreeDir, snapshot string) error {
	path := PointerPath(worktreeDir)
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("%w: pointer file missing", ErrWorktreeCorrupt)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: pointer file replaced by a directory", ErrWorktreeCorrupt)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: pointer file unreadable", ErrWorktreeCorrupt)
	}
	if strings.TrimSpace(string(data)) != snapshot {
		return fmt.Errorf("%w: pointer file content changed", ErrWorktreeCorrupt)
	}
	return nil
}
