package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/events"
)

const (
	defaultHistory = 50
	writeWait      = 10 * time.Second
)

// wsLogs streams one worker's log topic. Optional project_id and task_id
// query parameters filter the frames; history=N controls replay depth.
func (s *Server) wsLogs(c *gin.Context) {
	wid := c.Param("wid")
	history := defaultHistory
	if raw := c.Query("history"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			history = n
		}
	}
	filterProject := c.Query("project_id")
	filterTask := c.Query("task_id")

	filter := func(frame json.RawMessage) bool {
		if filterProject == "" && filterTask == "" {
			return true
		}
		var meta struct {
			ProjectID string `json:"project_id"`
			TaskID    string `json:"task_id"`
			Type      string `json:"type"`
		}
		if err := json.Unmarshal(frame, &meta); err != nil {
			return true
		}
		// Dropped markers carry no routing fields and always pass.
		if meta.Type == "dropped" {
			return true
		}
		if filterProject != "" && meta.ProjectID != filterProject {
			return false
		}
		if filterTask != "" && meta.TaskID != filterTask {
			return false
		}
		return true
	}

	s.serveTopic(c, events.TopicLog(wid), history, filter)
}

// wsPlan streams the plan conversation for one task.
func (s *Server) wsPlan(c *gin.Context) {
	topic := events.TopicPlan(c.Param("pid"), c.Param("tid"))
	s.serveTopic(c, topic, defaultHistory, nil)
}

// serveTopic upgrades the connection and pumps topic frames until either
// side closes.
func (s *Server) serveTopic(c *gin.Context, topic string, history int, filter func(json.RawMessage) bool) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.String("topic", topic), zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(topic, history)
	defer sub.Close()

	// Reader goroutine: we never expect client frames, but reading is how
	// close and ping/pong get processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.C():
			if !ok {
				return
			}
			if filter != nil && !filter(frame) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}
