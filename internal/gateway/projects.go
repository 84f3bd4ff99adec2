package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devswarm/devswarm/internal/store"
)

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) createProject(c *gin.Context) {
	var req store.CreateProject
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proj, err := s.store.CreateProject(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.prov.Provision(proj.ID)
	c.JSON(http.StatusCreated, proj)
}

func (s *Server) getProject(c *gin.Context) {
	proj, err := s.store.GetProject(c.Request.Context(), c.Param("pid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.store.DeleteProject(c.Request.Context(), c.Param("pid")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryProject(c *gin.Context) {
	if err := s.prov.Retry(c.Request.Context(), c.Param("pid")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cloning"})
}

type settingsRequest struct {
	AutoMerge *bool `json:"auto_merge"`
	AutoPush  *bool `json:"auto_push"`
}

func (s *Server) patchSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proj, err := s.store.UpdateProject(c.Request.Context(), c.Param("pid"), func(p *store.Project) error {
		if req.AutoMerge != nil {
			p.AutoMerge = *req.AutoMerge
		}
		if req.AutoPush != nil {
			p.AutoPush = *req.AutoPush
		}
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

func (s *Server) localRepos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"repos": s.prov.DiscoverLocal()})
}
