package git

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWorktreeCorrupt is returned when a worktree's .git pointer file was
// altered, replaced or removed while a container had the worktree mounted.
var ErrWorktreeCorrupt = errors.New("worktree corruption")

// CommandError carries the failing git invocation and its combined output,
// truncated for task error messages.
type CommandError struct {
	Args   []string
	Output string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 400 {
		out = out[:400] + "..."
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), out)
}
