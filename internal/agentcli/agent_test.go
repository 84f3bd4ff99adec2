package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/stream"
)

// stubAgent writes a shell script that plays back canned JSONL on stdout.
func stubAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestRunCollectsTextAndSession(t *testing.T) {
	bin := stubAgent(t, `
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-42"}
{"type":"assistant","message":{"content":[{"type":"text","text":"first thought"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"second thought"}]}}
{"type":"result","num_turns":2,"total_cost_usd":0.05,"session_id":"sess-42"}
EOF
`)
	r := NewCLIRunner(bin, "", nil, testLog(t))

	var seen []string
	res, err := r.Run(context.Background(), Request{
		Prompt:  "do the thing",
		OnEvent: func(ev stream.Event) { seen = append(seen, ev.Type) },
	})
	require.NoError(t, err)
	assert.Equal(t, "first thought\nsecond thought", res.Text)
	assert.Equal(t, "sess-42", res.SessionID)
	assert.Equal(t, 2, res.Turns)
	assert.InDelta(t, 0.05, res.CostUSD, 1e-9)
	assert.Equal(t, []string{"system", "assistant", "assistant", "result"}, seen)
}

func TestRunNonZeroExitSurfacesStderr(t *testing.T) {
	bin := stubAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'
echo "credentials rejected" >&2
exit 1
`)
	r := NewCLIRunner(bin, "", nil, testLog(t))
	_, err := r.Run(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials rejected")
}

func TestRunHonorsContextCancellation(t *testing.T) {
	bin := stubAgent(t, "sleep 30\n")
	r := NewCLIRunner(bin, "", nil, testLog(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
