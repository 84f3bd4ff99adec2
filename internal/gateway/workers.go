package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.ctrl.Workers()})
}

func (s *Server) restartWorker(c *gin.Context) {
	if err := s.ctrl.RestartWorker(c.Request.Context(), c.Param("wid")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarted": true})
}

func (s *Server) dispatcherEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"events": s.dispatch.Recent(limit)})
}
