package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devswarm/devswarm/internal/git"
)

// gitLog returns recent commits plus lane assignments for the graph view.
func (s *Server) gitLog(c *gin.Context) {
	pid := c.Param("pid")
	if _, err := s.store.GetProject(c.Request.Context(), pid); err != nil {
		respondErr(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	commits, err := s.git.Log(c.Request.Context(), s.store.RepoDir(pid), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commits": commits,
		"graph":   git.LayoutGraph(commits),
	})
}

func (s *Server) gitCommit(c *gin.Context) {
	pid := c.Param("pid")
	if _, err := s.store.GetProject(c.Request.Context(), pid); err != nil {
		respondErr(c, err)
		return
	}
	body, files, err := s.git.CommitDetail(c.Request.Context(), s.store.RepoDir(pid), c.Param("sha"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"body": body, "files": files})
}

func (s *Server) gitUnpushed(c *gin.Context) {
	ctx := c.Request.Context()
	pid := c.Param("pid")
	proj, err := s.store.GetProject(ctx, pid)
	if err != nil {
		respondErr(c, err)
		return
	}
	repoDir := s.store.RepoDir(pid)
	hasRemote := s.git.HasRemote(ctx, repoDir)
	count := 0
	if hasRemote {
		count, err = s.git.UnpushedCount(ctx, repoDir, proj.Branch)
		if err != nil {
			respondErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": count, "has_remote": hasRemote})
}

func (s *Server) gitPush(c *gin.Context) {
	ctx := c.Request.Context()
	pid := c.Param("pid")
	proj, err := s.store.GetProject(ctx, pid)
	if err != nil {
		respondErr(c, err)
		return
	}
	repoDir := s.store.RepoDir(pid)
	if !s.git.HasRemote(ctx, repoDir) {
		c.JSON(http.StatusConflict, gin.H{"error": "project has no remote"})
		return
	}

	lock := s.git.RepoLock(repoDir)
	lock.Lock()
	err = s.git.Push(ctx, repoDir, "origin", proj.Branch)
	lock.Unlock()
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pushed": true})
}
