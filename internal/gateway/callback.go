package gateway

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type statusCallbackRequest struct {
	Status string `json:"status" binding:"required"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	Error  string `json:"error"`
}

// statusCallback applies a worker's status report. Only loopback and the
// container bridge may call it; anything else is rejected.
func (s *Server) statusCallback(c *gin.Context) {
	if !callbackAllowed(c.Request.RemoteAddr) {
		s.log.Warn("callback from unauthorized address",
			zap.String("remote_addr", c.Request.RemoteAddr))
		c.JSON(http.StatusForbidden, gin.H{"error": "callbacks accepted from loopback only"})
		return
	}

	var req statusCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.ctrl.HandleCallback(c.Request.Context(),
		c.Param("pid"), c.Param("tid"), req.Status, req.Branch, req.Commit, req.Error)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// callbackAllowed accepts loopback addresses and RFC1918 ranges, which cover
// the default Docker bridge.
func callbackAllowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
