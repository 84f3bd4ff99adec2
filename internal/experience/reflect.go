package experience

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/stream"
)

const (
	// summaryMessages and summaryBytes bound how much of the worker log
	// feeds reflection.
	summaryMessages = 5
	summaryBytes    = 4 * 1024
	reflectTimeout  = 60 * time.Second
)

// SetAgent enables agent-backed reflection. Without an agent the indexer
// falls back to a heuristic derived from the log tail.
func (ix *Indexer) SetAgent(a agentcli.Agent) { ix.agent = a }

// LogSummary extracts the final assistant messages from a worker's raw JSONL
// log, bounded to the last few messages and a few kilobytes.
func LogSummary(logFile string) string {
	data, err := os.ReadFile(logFile)
	if err != nil {
		return ""
	}
	p := stream.NewParser()
	events := p.Feed(data)
	events = append(events, p.Flush()...)

	var messages []string
	for _, ev := range events {
		if ev.Type == stream.KindAssistant && ev.Text != "" {
			messages = append(messages, ev.Text)
		}
	}
	if len(messages) > summaryMessages {
		messages = messages[len(messages)-summaryMessages:]
	}
	combined := strings.Join(messages, "\n---\n")
	return tailBytes(combined, summaryBytes)
}

// Reflect derives the entry's problem, solution and prevention sections from
// the worker's log summary: via the agent when one is configured, otherwise
// from the log text itself. The rest of the entry passes through unchanged.
func (ix *Indexer) Reflect(ctx context.Context, dir string, e Entry, logSummary string) Entry {
	if strings.TrimSpace(logSummary) == "" {
		e.Solution = "Task completed without notable issues."
		return e
	}
	if ix.agent == nil {
		return heuristicReflect(e, logSummary)
	}

	prompt := fmt.Sprintf(`Analyze this task completion log and write a structured experience entry.

Task: %s (%s)

Worker log (last messages):
%s

Respond with ONLY these four lines:
- **Problem**: one sentence on the main challenge encountered, or "No significant issues"
- **Solution**: one sentence on how it was resolved
- **Prevention**: one sentence on avoiding the issue in future tasks, or "N/A"
- **Key files**: comma-separated list of the main files changed`, e.Title, e.TaskID, logSummary)

	rctx, cancel := context.WithTimeout(ctx, reflectTimeout)
	defer cancel()
	res, err := ix.agent.Run(rctx, agentcli.Request{Prompt: prompt, Dir: dir})
	if err != nil || res == nil {
		ix.log.Debug("reflection call failed", zap.String("task_id", e.TaskID), zap.Error(err))
		return heuristicReflect(e, logSummary)
	}
	problem, solution, prevention, files := parseReflection(res.Text)
	if solution == "" {
		return heuristicReflect(e, logSummary)
	}
	e.Problem = problem
	e.Solution = solution
	e.Prevention = prevention
	if len(files) > 0 {
		e.KeyFiles = files
	}
	return e
}

// heuristicReflect uses the final assistant message as the solution summary.
func heuristicReflect(e Entry, logSummary string) Entry {
	last := logSummary
	if idx := strings.LastIndex(logSummary, "\n---\n"); idx >= 0 {
		last = logSummary[idx+len("\n---\n"):]
	}
	for _, line := range strings.Split(last, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			line = string(r[:200])
		}
		e.Solution = line
		break
	}
	if e.Solution == "" {
		e.Solution = "Task completed, see commit for details."
	}
	return e
}

// parseReflection pulls the labeled one-liners out of the agent's reply.
func parseReflection(text string) (problem, solution, prevention string, files []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		line = strings.ReplaceAll(line, "**", "")
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(label)) {
		case "problem":
			problem = value
		case "solution":
			solution = value
		case "prevention":
			prevention = value
		case "key files":
			for _, f := range strings.Split(value, ",") {
				if f = strings.TrimSpace(f); f != "" {
					files = append(files, f)
				}
			}
		}
	}
	return problem, solution, prevention, files
}

// tailBytes keeps at most limit bytes from the end of s, cutting on a rune
// boundary.
func tailBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
