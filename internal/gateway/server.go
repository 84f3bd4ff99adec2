// Package gateway exposes the engine's REST and WebSocket surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/httpmw"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/repoclone"
	"github.com/devswarm/devswarm/internal/store"
)

// TaskController is the scheduler surface the gateway drives.
type TaskController interface {
	Cancel(ctx context.Context, pid, tid string) (*store.Task, error)
	Retry(ctx context.Context, pid, tid string) (*store.Task, error)
	ManualMerge(ctx context.Context, pid, tid string, squash bool) (*store.Task, error)
	HandleCallback(ctx context.Context, pid, tid, status, branch, commit, errMsg string) (*store.Task, error)
	Workers() []store.Worker
	RestartWorker(ctx context.Context, wid string) error
}

// Planner is the plan-service surface the gateway drives.
type Planner interface {
	Generate(ctx context.Context, pid, tid string) (*store.Task, error)
	Chat(ctx context.Context, pid, tid, message string) (*store.Task, error)
	Approve(ctx context.Context, pid, tid string, approved bool, feedback string, answers map[string]string) (*store.Task, error)
	BatchApprove(ctx context.Context, pid string, tids []string, approved bool, feedback string) ([]*store.Task, error)
}

// Provisioner is the repo-provisioning surface the gateway drives.
type Provisioner interface {
	Provision(pid string)
	Retry(ctx context.Context, pid string) error
	DiscoverLocal() []repoclone.LocalRepo
}

// Server is the HTTP gateway.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	git      *git.Manager
	ctrl     TaskController
	planner  Planner
	prov     Provisioner
	bus      *events.Bus
	dispatch *events.DispatcherLog
	log      *logger.Logger

	engine   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds the gateway with all routes registered.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	g *git.Manager,
	ctrl TaskController,
	planner Planner,
	prov Provisioner,
	bus *events.Bus,
	dispatch *events.DispatcherLog,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:      cfg,
		store:    st,
		git:      g,
		ctrl:     ctrl,
		planner:  planner,
		prov:     prov,
		bus:      bus,
		dispatch: dispatch,
		log:      log,
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	engine.Use(httpmw.Recovery(log))
	engine.Use(httpmw.RequestLogger(log))
	engine.Use(httpmw.CORS())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	{
		api.GET("/projects", s.listProjects)
		api.POST("/projects", s.createProject)
		api.GET("/projects/:pid", s.getProject)
		api.DELETE("/projects/:pid", s.deleteProject)
		api.POST("/projects/:pid/retry", s.retryProject)
		api.PATCH("/projects/:pid/settings", s.patchSettings)
		api.GET("/local-repos", s.localRepos)

		api.GET("/projects/:pid/tasks", s.listTasks)
		api.POST("/projects/:pid/tasks", s.createTask)
		api.DELETE("/projects/:pid/tasks/:tid", s.deleteTask)
		api.POST("/projects/:pid/tasks/:tid/cancel", s.cancelTask)
		api.POST("/projects/:pid/tasks/:tid/retry", s.retryTask)
		api.POST("/projects/:pid/tasks/:tid/merge", s.mergeTask)

		api.POST("/projects/:pid/plan/generate", s.planGenerate)
		api.POST("/projects/:pid/plan/approve", s.planApprove)
		api.POST("/projects/:pid/plan/batch-approve", s.planBatchApprove)
		api.POST("/projects/:pid/plan/chat", s.planChat)

		api.GET("/projects/:pid/git/log", s.gitLog)
		api.GET("/projects/:pid/git/commit/:sha", s.gitCommit)
		api.GET("/projects/:pid/git/unpushed", s.gitUnpushed)
		api.POST("/projects/:pid/git/push", s.gitPush)

		api.GET("/projects/:pid/stats", s.projectStats)

		api.GET("/workers", s.listWorkers)
		api.POST("/workers/:wid/restart", s.restartWorker)
		api.GET("/dispatcher/events", s.dispatcherEvents)

		api.POST("/internal/tasks/:pid/:tid/status", s.statusCallback)
	}

	s.engine.GET("/ws/logs/:wid", s.wsLogs)
	s.engine.GET("/ws/plan/:pid/:tid", s.wsPlan)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.engine }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
	s.log.Info("gateway listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// respondErr maps store errors onto HTTP statuses.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
