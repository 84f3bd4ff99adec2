// Package plan runs pre-execution planning conversations and gates tasks on
// plan approval.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/store"
	"github.com/devswarm/devswarm/internal/stream"
)

// Service generates, refines, and approves task plans. Planning is an
// in-process agent call against the project repo, never a container.
type Service struct {
	cfg   *config.Config
	store *store.Store
	agent agentcli.Agent
	bus   *events.Bus
	log   *logger.Logger
}

// NewService creates a plan Service.
func NewService(cfg *config.Config, st *store.Store, agent agentcli.Agent, bus *events.Bus, log *logger.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: st,
		agent: agent,
		bus:   bus,
		log:   log.WithFields(zap.String("component", "plan")),
	}
}

// Generate runs a planning conversation for the task and persists the plan,
// clarification questions, and transcript. A call that exceeds the plan
// timeout leaves the task in plan_pending with an empty plan so the user can
// retry.
func (s *Service) Generate(ctx context.Context, pid, tid string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, pid, tid)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskPlanPending {
		task, err = s.store.Transition(ctx, pid, tid, store.TaskPlanPending, nil)
		if err != nil {
			return nil, err
		}
	}

	res, err := s.converse(ctx, pid, task, generatePrompt(task), "")
	if err != nil {
		return task, err
	}

	planText, questions := splitQuestions(res.Text)
	return s.store.UpdateTask(ctx, pid, tid, func(t *store.Task) error {
		t.Plan = planText
		t.PlanQuestions = questions
		t.PlanSessionID = res.SessionID
		t.PlanMessages = append(t.PlanMessages, store.PlanMessage{
			Role: "assistant", Content: res.Text, Timestamp: time.Now().UTC(),
		})
		return nil
	})
}

// Chat sends a user message into an existing planning session and records
// both turns. The refined plan replaces the stored one.
func (s *Service) Chat(ctx context.Context, pid, tid, message string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, pid, tid)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskPlanPending {
		return nil, fmt.Errorf("%w: plan chat from %s", store.ErrConflict, task.Status)
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("message is required")
	}

	task, err = s.store.UpdateTask(ctx, pid, tid, func(t *store.Task) error {
		t.PlanMessages = append(t.PlanMessages, store.PlanMessage{
			Role: "user", Content: message, Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, err := s.converse(ctx, pid, task, message, task.PlanSessionID)
	if err != nil {
		return task, err
	}

	planText, questions := splitQuestions(res.Text)
	return s.store.UpdateTask(ctx, pid, tid, func(t *store.Task) error {
		if planText != "" {
			t.Plan = planText
		}
		if len(questions) > 0 {
			t.PlanQuestions = questions
		}
		if res.SessionID != "" {
			t.PlanSessionID = res.SessionID
		}
		t.PlanMessages = append(t.PlanMessages, store.PlanMessage{
			Role: "assistant", Content: res.Text, Timestamp: time.Now().UTC(),
		})
		return nil
	})
}

// Approve records the decision on a plan_pending task. Approval stores the
// answers and makes the task claimable; rejection folds feedback into the
// description and returns the task to pending.
func (s *Service) Approve(ctx context.Context, pid, tid string, approved bool, feedback string, answers map[string]string) (*store.Task, error) {
	if approved {
		return s.store.Transition(ctx, pid, tid, store.TaskPlanApproved, func(t *store.Task) {
			t.PlanApproved = true
			if len(answers) > 0 {
				t.PlanAnswers = answers
			}
		})
	}
	return s.store.Transition(ctx, pid, tid, store.TaskPending, func(t *store.Task) {
		t.PlanApproved = false
		if strings.TrimSpace(feedback) != "" {
			t.Description += "\n\nPlan feedback: " + feedback
		}
	})
}

// BatchApprove applies one decision to many tasks. Failures do not stop the
// batch; the first error is returned after all tasks were attempted.
func (s *Service) BatchApprove(ctx context.Context, pid string, tids []string, approved bool, feedback string) ([]*store.Task, error) {
	var firstErr error
	out := make([]*store.Task, 0, len(tids))
	for _, tid := range tids {
		task, err := s.Approve(ctx, pid, tid, approved, feedback, nil)
		if err != nil {
			s.log.Warn("batch approve", zap.String("task_id", tid), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("task %s: %w", tid, err)
			}
			continue
		}
		out = append(out, task)
	}
	return out, firstErr
}

// converse runs one capped agent call, streaming its events to the task's
// plan topic.
func (s *Service) converse(ctx context.Context, pid string, task *store.Task, prompt, sessionID string) (*agentcli.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Agent.PlanTimeout)
	defer cancel()

	topic := events.TopicPlan(pid, task.ID)
	res, err := s.agent.Run(cctx, agentcli.Request{
		Prompt:    prompt,
		Dir:       s.store.RepoDir(pid),
		SessionID: sessionID,
		OnEvent: func(ev stream.Event) {
			ev.ProjectID = pid
			ev.TaskID = task.ID
			s.bus.Publish(topic, ev)
		},
	})
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			s.log.Warn("plan call exceeded cap",
				zap.String("task_id", task.ID), zap.Duration("cap", s.cfg.Agent.PlanTimeout))
			return nil, fmt.Errorf("plan call exceeded %s", s.cfg.Agent.PlanTimeout)
		}
		return nil, err
	}
	return res, nil
}

func generatePrompt(task *store.Task) string {
	var b strings.Builder
	b.WriteString("You are planning a coding task before any code is written. Do not modify files.\n\n")
	fmt.Fprintf(&b, "# Task: %s\n\n%s\n\n", task.Title, strings.TrimSpace(task.Description))
	b.WriteString("Study the repository and produce:\n")
	b.WriteString("1. A step-by-step implementation plan as a numbered markdown list.\n")
	b.WriteString("2. Clarification questions the user should answer, each multiple-choice with a sensible default.\n\n")
	b.WriteString("End your reply with exactly one fenced json block of the form:\n")
	b.WriteString("```json\n{\"questions\":[{\"key\":\"...\",\"prompt\":\"...\",\"options\":[\"...\"],\"default\":\"...\"}]}\n```\n")
	b.WriteString("Use an empty questions array when nothing needs clarifying.\n")
	return b.String()
}

// splitQuestions separates the trailing questions block from the plan text.
// A reply without a parseable block is treated as plan text with no
// questions.
func splitQuestions(text string) (string, []store.PlanQuestion) {
	const fence = "```json"
	idx := strings.LastIndex(text, fence)
	if idx < 0 {
		return strings.TrimSpace(text), nil
	}
	rest := text[idx+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(text), nil
	}
	var payload struct {
		Questions []store.PlanQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(rest[:end]), &payload); err != nil {
		return strings.TrimSpace(text), nil
	}
	planText := strings.TrimSpace(text[:idx] + rest[end+3:])
	return planText, payload.Questions
}
