package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/store"
	"github.com/devswarm/devswarm/internal/stream"
)

const planReply = `1. Read the config loader.
2. Add the new field with a default.
3. Extend the loader test.

` + "```json\n" + `{"questions":[{"key":"style","prompt":"How verbose should the plan be?","options":["concise","detailed"],"default":"concise"}]}` + "\n```"

// scriptedAgent returns canned replies and emits one assistant event per
// call.
type scriptedAgent struct {
	replies []string
	calls   int
	block   bool
}

func (a *scriptedAgent) Run(ctx context.Context, req agentcli.Request) (*agentcli.Result, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	reply := a.replies[a.calls%len(a.replies)]
	a.calls++
	if req.OnEvent != nil {
		req.OnEvent(stream.Event{Type: stream.KindAssistant, Text: reply})
	}
	return &agentcli.Result{Text: reply, SessionID: "sess-1"}, nil
}

func newService(t *testing.T, agent agentcli.Agent) (*Service, *store.Store, *events.Bus) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	cfg := &config.Config{
		Data:  config.DataConfig{Dir: t.TempDir(), LockTimeout: 2 * time.Second},
		Agent: config.AgentConfig{PlanTimeout: 5 * time.Minute},
	}
	st := store.New(cfg.Data.Dir, cfg.Data.LockTimeout, log)
	bus := events.NewBus()
	return NewService(cfg, st, agent, bus, log), st, bus
}

func planTask(t *testing.T, st *store.Store) (string, string) {
	t.Helper()
	proj, err := st.CreateProject(context.Background(), store.CreateProject{
		Name: "demo", SourceType: store.SourceNew,
	})
	require.NoError(t, err)
	task, err := st.CreateTask(context.Background(), proj.ID, store.CreateTask{
		Description: "add config field\ndetails", PlanMode: true,
	})
	require.NoError(t, err)
	return proj.ID, task.ID
}

func TestGeneratePersistsPlanAndQuestions(t *testing.T) {
	svc, st, bus := newService(t, &scriptedAgent{replies: []string{planReply}})
	pid, tid := planTask(t, st)

	sub := bus.Subscribe(events.TopicPlan(pid, tid), 0)
	defer sub.Close()

	task, err := svc.Generate(context.Background(), pid, tid)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPlanPending, task.Status)
	assert.Contains(t, task.Plan, "Read the config loader")
	assert.NotContains(t, task.Plan, "```json")
	require.Len(t, task.PlanQuestions, 1)
	assert.Equal(t, "style", task.PlanQuestions[0].Key)
	assert.Equal(t, "concise", task.PlanQuestions[0].Default)
	assert.Equal(t, "sess-1", task.PlanSessionID)
	require.Len(t, task.PlanMessages, 1)
	assert.Equal(t, "assistant", task.PlanMessages[0].Role)

	// The conversation streamed onto the plan topic.
	select {
	case frame := <-sub.C():
		assert.Contains(t, string(frame), "config loader")
	case <-time.After(time.Second):
		t.Fatal("no plan event published")
	}
}

func TestGenerateTimeoutLeavesPlanPending(t *testing.T) {
	svc, st, _ := newService(t, &scriptedAgent{block: true})
	svc.cfg.Agent.PlanTimeout = 20 * time.Millisecond
	pid, tid := planTask(t, st)

	_, err := svc.Generate(context.Background(), pid, tid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")

	task, err := st.GetTask(context.Background(), pid, tid)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPlanPending, task.Status)
	assert.Empty(t, task.Plan)
}

func TestChatAppendsTurnsAndRefinesPlan(t *testing.T) {
	agent := &scriptedAgent{replies: []string{planReply, "1. Revised step.\n2. Done."}}
	svc, st, _ := newService(t, agent)
	pid, tid := planTask(t, st)

	_, err := svc.Generate(context.Background(), pid, tid)
	require.NoError(t, err)

	task, err := svc.Chat(context.Background(), pid, tid, "make it shorter")
	require.NoError(t, err)
	assert.Contains(t, task.Plan, "Revised step")
	require.Len(t, task.PlanMessages, 3)
	assert.Equal(t, "user", task.PlanMessages[1].Role)
	assert.Equal(t, "make it shorter", task.PlanMessages[1].Content)
	assert.Equal(t, "assistant", task.PlanMessages[2].Role)

	// Chat is only legal while the plan is pending.
	_, err = svc.Approve(context.Background(), pid, tid, true, "", nil)
	require.NoError(t, err)
	_, err = svc.Chat(context.Background(), pid, tid, "more")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestApproveRecordsAnswers(t *testing.T) {
	svc, st, _ := newService(t, &scriptedAgent{replies: []string{planReply}})
	pid, tid := planTask(t, st)
	_, err := svc.Generate(context.Background(), pid, tid)
	require.NoError(t, err)

	task, err := svc.Approve(context.Background(), pid, tid, true, "", map[string]string{"style": "concise"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskPlanApproved, task.Status)
	assert.True(t, task.PlanApproved)
	assert.Equal(t, "concise", task.PlanAnswers["style"])
}

func TestRejectFoldsFeedbackIntoDescription(t *testing.T) {
	svc, st, _ := newService(t, &scriptedAgent{replies: []string{planReply}})
	pid, tid := planTask(t, st)
	_, err := svc.Generate(context.Background(), pid, tid)
	require.NoError(t, err)

	task, err := svc.Approve(context.Background(), pid, tid, false, "split step 2 in half", nil)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.False(t, task.PlanApproved)
	assert.Contains(t, task.Description, "Plan feedback: split step 2 in half")
}

func TestBatchApproveContinuesPastFailures(t *testing.T) {
	svc, st, _ := newService(t, &scriptedAgent{replies: []string{planReply}})
	pid, tid := planTask(t, st)
	_, err := svc.Generate(context.Background(), pid, tid)
	require.NoError(t, err)

	// Second id does not exist; the first must still be approved.
	out, err := svc.BatchApprove(context.Background(), pid, []string{tid, "t-999999"}, true, "")
	require.Error(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, store.TaskPlanApproved, out[0].Status)
}

func TestSplitQuestions(t *testing.T) {
	text, qs := splitQuestions(planReply)
	require.Len(t, qs, 1)
	assert.NotContains(t, text, "questions")

	text, qs = splitQuestions("just a plan, no block")
	assert.Empty(t, qs)
	assert.Equal(t, "just a plan, no block", text)

	// A malformed block degrades to plain plan text.
	text, qs = splitQuestions("plan\n```json\n{broken\n```")
	assert.Empty(t, qs)
	assert.Contains(t, text, "plan")
}
