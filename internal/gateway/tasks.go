package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/devswarm/devswarm/internal/store"
)

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.store.ListTasks(c.Request.Context(), c.Param("pid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) createTask(c *gin.Context) {
	var req store.CreateTask
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "description is required"})
		return
	}
	task, err := s.store.CreateTask(c.Request.Context(), c.Param("pid"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.store.DeleteTask(c.Request.Context(), c.Param("pid"), c.Param("tid")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelTask(c *gin.Context) {
	task, err := s.ctrl.Cancel(c.Request.Context(), c.Param("pid"), c.Param("tid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) retryTask(c *gin.Context) {
	task, err := s.ctrl.Retry(c.Request.Context(), c.Param("pid"), c.Param("tid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type mergeRequest struct {
	Squash bool `json:"squash"`
}

func (s *Server) mergeTask(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.ctrl.ManualMerge(c.Request.Context(), c.Param("pid"), c.Param("tid"), req.Squash)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// projectStats aggregates task counts, success rate, completion duration,
// and a normalized failure-reason distribution.
func (s *Server) projectStats(c *gin.Context) {
	tasks, err := s.store.ListTasks(c.Request.Context(), c.Param("pid"))
	if err != nil {
		respondErr(c, err)
		return
	}

	var (
		completed, failed, cancelled, inProgress, pending, mergePending int
		totalSeconds                                                    float64
		durations                                                       int
		reasons                                                         = map[string]int{}
	)
	for _, t := range tasks {
		switch t.Status {
		case store.TaskCompleted:
			completed++
			if t.StartedAt != nil && t.CompletedAt != nil {
				totalSeconds += t.CompletedAt.Sub(*t.StartedAt).Seconds()
				durations++
			}
		case store.TaskFailed:
			failed++
			if t.Error != "" {
				reasons[normalizeReason(t.Error)]++
			}
		case store.TaskCancelled:
			cancelled++
		case store.TaskMergePending:
			mergePending++
		case store.TaskPending, store.TaskPlanPending, store.TaskPlanApproved:
			pending++
		default:
			inProgress++
		}
	}

	successRate := 0.0
	if done := completed + failed + cancelled; done > 0 {
		successRate = float64(completed) / float64(done)
	}
	avgDuration := 0.0
	if durations > 0 {
		avgDuration = totalSeconds / float64(durations)
	}

	c.JSON(http.StatusOK, gin.H{
		"total":                len(tasks),
		"completed":            completed,
		"failed":               failed,
		"cancelled":            cancelled,
		"in_progress":          inProgress,
		"pending":              pending,
		"merge_pending":        mergePending,
		"success_rate":         successRate,
		"avg_duration_seconds": avgDuration,
		"failure_reasons":      reasons,
	})
}

// normalizeReason buckets failure reasons by their first 80 characters.
func normalizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if r := []rune(reason); len(r) > 80 {
		reason = string(r[:80])
	}
	return reason
}
