// Package agentcli invokes the external coding agent CLI in-process and
// decodes its streaming output. Containerized agent runs go through the
// container runtime instead; this package covers the short-lived calls the
// engine makes itself (planning, conflict resolution, test fixing).
package agentcli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/stream"
)

// Request is one agent invocation.
type Request struct {
	Prompt    string
	Dir       string // working directory; empty for none
	SessionID string // resume an earlier conversation when set
	// OnEvent receives each decoded event as it arrives. May be nil.
	OnEvent func(stream.Event)
}

// Result is the outcome of a completed agent invocation.
type Result struct {
	Text      string // concatenated assistant text
	SessionID string // session id reported by the agent, for resumption
	Turns     int
	CostUSD   float64
}

// Agent runs one prompt to completion.
type Agent interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner shells out to the agent binary with streaming JSON output.
type CLIRunner struct {
	Binary string
	Model  string
	// ExtraEnv is appended to the process environment (credentials, base URL).
	ExtraEnv []string

	log *logger.Logger
}

// NewCLIRunner creates a runner for the given binary.
func NewCLIRunner(binary, model string, extraEnv []string, log *logger.Logger) *CLIRunner {
	return &CLIRunner{
		Binary:   binary,
		Model:    model,
		ExtraEnv: extraEnv,
		log:      log.WithFields(zap.String("component", "agent")),
	}
}

// Run executes the agent and consumes its stdout as a JSONL stream until the
// process exits. A non-zero exit returns an error carrying the stderr tail.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{"-p", req.Prompt, "--skip-permissions", "--stream-json", "--verbose"}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), r.ExtraEnv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	res := &Result{}
	var text strings.Builder
	parser := stream.NewParser()
	consume := func(events []stream.Event) {
		for _, ev := range events {
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			switch ev.Type {
			case stream.KindAssistant:
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(ev.Text)
			case stream.KindResult:
				res.Turns = ev.Turns
				res.CostUSD = ev.CostUSD
			}
			if req.OnEvent != nil {
				req.OnEvent(ev)
			}
		}
	}

	buf := make([]byte, 16*1024)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			consume(parser.Feed(buf[:n]))
		}
		if readErr != nil {
			break
		}
	}
	consume(parser.Flush())

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent exited: %w: %s", err, tail(stderr.String(), 400))
	}
	res.Text = text.String()
	r.log.Debug("agent run finished",
		zap.Int("turns", res.Turns),
		zap.String("session_id", res.SessionID))
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
