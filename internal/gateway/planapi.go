package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type planGenerateRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// planGenerate kicks off plan generation in the background; progress streams
// on the task's plan topic.
func (s *Server) planGenerate(c *gin.Context) {
	var req planGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pid := c.Param("pid")

	task, err := s.store.GetTask(c.Request.Context(), pid, req.TaskID)
	if err != nil {
		respondErr(c, err)
		return
	}

	go func() {
		if _, err := s.planner.Generate(context.Background(), pid, req.TaskID); err != nil {
			s.log.Warn("plan generation failed",
				zap.String("task_id", req.TaskID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, task)
}

type planApproveRequest struct {
	TaskID   string            `json:"task_id" binding:"required"`
	Approved bool              `json:"approved"`
	Feedback string            `json:"feedback"`
	Answers  map[string]string `json:"answers"`
}

func (s *Server) planApprove(c *gin.Context) {
	var req planApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.planner.Approve(c.Request.Context(), c.Param("pid"), req.TaskID, req.Approved, req.Feedback, req.Answers)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type planBatchApproveRequest struct {
	TaskIDs  []string `json:"task_ids" binding:"required"`
	Approved bool     `json:"approved"`
	Feedback string   `json:"feedback"`
}

func (s *Server) planBatchApprove(c *gin.Context) {
	var req planBatchApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tasks, err := s.planner.BatchApprove(c.Request.Context(), c.Param("pid"), req.TaskIDs, req.Approved, req.Feedback)
	if err != nil && len(tasks) == 0 {
		respondErr(c, err)
		return
	}
	resp := gin.H{"tasks": tasks}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type planChatRequest struct {
	TaskID  string `json:"task_id" binding:"required"`
	Message string `json:"message" binding:"required"`
}

func (s *Server) planChat(c *gin.Context) {
	var req planChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.planner.Chat(c.Request.Context(), c.Param("pid"), req.TaskID, req.Message)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
