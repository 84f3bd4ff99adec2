package scheduler

import (
	"fmt"
	"strings"

	"github.com/devswarm/devswarm/internal/store"
)

// BuildPrompt composes the worker prompt from the task, its approved plan,
// and experience snippets gathered from this and sibling projects.
func BuildPrompt(task *store.Task, recent, cross string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s: %s\n\n", task.ID, task.Title)
	desc := strings.TrimSpace(task.Description)
	if desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}

	if task.PlanApproved && strings.TrimSpace(task.Plan) != "" {
		b.WriteString("## Approved plan\n\nFollow this plan. Deviate only when the code contradicts it, and note any deviation in your commit messages.\n\n")
		b.WriteString(strings.TrimSpace(task.Plan))
		b.WriteString("\n\n")
	}

	if recent != "" {
		b.WriteString("## Recent lessons from this repository\n\n")
		b.WriteString(recent)
		b.WriteString("\n\n")
	}
	if cross != "" {
		b.WriteString("## Possibly relevant lessons from other projects\n\n")
		b.WriteString(cross)
		b.WriteString("\n\n")
	}

	b.WriteString("## Ground rules\n\n")
	b.WriteString("- Work only inside the current directory; it is a dedicated git worktree on your task branch.\n")
	b.WriteString("- Commit your work in focused commits with conventional messages.\n")
	b.WriteString("- Do not switch branches, do not push, and do not touch the .git file at the worktree root.\n")
	b.WriteString("- Run the project's tests before you finish when a test command exists.\n")
	return strings.TrimSpace(b.String()) + "\n"
}
