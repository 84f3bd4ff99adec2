// Package supervisor owns process lifecycle: data-dir bootstrap, legacy
// layout migration, project repair, ordered component startup, and graceful
// shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/container"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/gateway"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/scheduler"
	"github.com/devswarm/devswarm/internal/store"
)

// Supervisor wires startup and shutdown of the engine's components.
type Supervisor struct {
	cfg      *config.Config
	store    *store.Store
	git      *git.Manager
	runtime  container.Runtime
	sched    *scheduler.Scheduler
	gateway  *gateway.Server
	dispatch *events.DispatcherLog
	log      *logger.Logger
}

// New creates a Supervisor.
func New(
	cfg *config.Config,
	st *store.Store,
	g *git.Manager,
	rt container.Runtime,
	sched *scheduler.Scheduler,
	gw *gateway.Server,
	dispatch *events.DispatcherLog,
	log *logger.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    st,
		git:      g,
		runtime:  rt,
		sched:    sched,
		gateway:  gw,
		dispatch: dispatch,
		log:      log.WithFields(zap.String("component", "supervisor")),
	}
}

// Run starts everything in order and blocks until ctx is cancelled or the
// gateway fails, then shuts down gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	gwErr := make(chan error, 1)
	go func() { gwErr <- s.gateway.Start() }()

	// Stale recovery runs after the gateway accepts callbacks so recovered
	// state is immediately visible over the API.
	s.sweepContainers(ctx)
	s.recoverStale(ctx)
	s.sched.Start(ctx)
	s.dispatch.SystemEvent("supervisor", "engine started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-gwErr:
		if runErr != nil {
			s.log.Error("gateway exited", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.sched.Stop(shutdownCtx)
	if err := s.gateway.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("gateway shutdown", zap.Error(err))
	}
	s.dispatch.SystemEvent("supervisor", "engine stopped")
	_ = s.log.Sync()
	return runErr
}

// Bootstrap prepares the on-disk state: data dir, legacy migration, and
// per-project repair.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Data.ProjectsDir(), 0o755); err != nil {
		return err
	}
	if err := s.migrateLegacy(ctx); err != nil {
		return fmt.Errorf("migrate legacy layout: %w", err)
	}
	return s.repairProjects(ctx)
}

// migrateLegacy moves a pre-registry single-project layout (tasks.json at
// the data root) under a "default" project.
func (s *Supervisor) migrateLegacy(ctx context.Context) error {
	legacyTasks := filepath.Join(s.cfg.Data.Dir, "tasks.json")
	if _, err := os.Stat(legacyTasks); err != nil {
		return nil
	}
	if _, err := os.Stat(s.store.RegistryFile()); err == nil {
		// A registry already exists; leave the stray file alone.
		return nil
	}

	const pid = "default"
	s.log.Info("migrating legacy single-project layout", zap.String("project_id", pid))

	reg := struct {
		Projects    []*store.Project `json:"projects"`
		NextTaskSeq int              `json:"next_task_seq"`
	}{
		Projects: []*store.Project{{
			ID:         pid,
			Name:       "default",
			Branch:     "main",
			SourceType: store.SourceNew,
			AutoMerge:  true,
			Status:     store.ProjectReady,
			CreatedAt:  time.Now().UTC(),
		}},
		NextTaskSeq: legacyNextSeq(legacyTasks),
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.store.ProjectDir(pid), 0o755); err != nil {
		return err
	}
	if err := os.Rename(legacyTasks, s.store.TasksFile(pid)); err != nil {
		return err
	}
	legacyRepo := filepath.Join(s.cfg.Data.Dir, "repo")
	if _, err := os.Stat(legacyRepo); err == nil {
		if err := os.Rename(legacyRepo, s.store.RepoDir(pid)); err != nil {
			return err
		}
	}
	if err := os.WriteFile(s.store.RegistryFile(), data, 0o644); err != nil {
		return err
	}
	s.dispatch.SystemEvent("supervisor", "migrated legacy layout to project default")
	return nil
}

// repairProjects fixes each project's on-disk skeleton and freshens repos.
// Projects repair concurrently; a failure marks that project error instead
// of failing startup.
func (s *Supervisor) repairProjects(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, p := range projects {
		proj := p
		eg.Go(func() error {
			if err := s.repairProject(gctx, proj); err != nil {
				s.log.Error("project repair failed",
					zap.String("project_id", proj.ID), zap.Error(err))
				if _, uerr := s.store.UpdateProject(gctx, proj.ID, func(pr *store.Project) error {
					pr.Status = store.ProjectError
					pr.Error = "repair: " + err.Error()
					return nil
				}); uerr != nil {
					return uerr
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

func (s *Supervisor) repairProject(ctx context.Context, proj *store.Project) error {
	for _, dir := range []string{s.store.WorktreesDir(proj.ID), s.store.LogsDir(proj.ID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tasksFile := s.store.TasksFile(proj.ID)
	if _, err := os.Stat(tasksFile); err != nil {
		if err := os.WriteFile(tasksFile, []byte("{\n  \"tasks\": []\n}\n"), 0o644); err != nil {
			return err
		}
	}

	repoDir := s.store.RepoDir(proj.ID)
	if _, err := os.Stat(repoDir); err != nil {
		// Repo not provisioned yet; nothing to freshen.
		return nil
	}
	if s.git.HasRemote(ctx, repoDir) {
		if err := s.git.Fetch(ctx, repoDir, "origin"); err != nil {
			s.log.Warn("startup fetch failed",
				zap.String("project_id", proj.ID), zap.Error(err))
		}
	}
	if err := s.git.AddToExclude(ctx, repoDir, s.cfg.Agent.InstructionsFile); err != nil {
		return err
	}
	return s.git.EnsureIdentity(ctx, repoDir, "devswarm", "devswarm@localhost")
}

// sweepContainers removes labeled containers left running by a previous
// process. Their tasks are requeued by stale recovery right after.
func (s *Supervisor) sweepContainers(ctx context.Context) {
	handles, err := s.runtime.ListAlive(ctx)
	if err != nil {
		s.log.Warn("container sweep failed", zap.Error(err))
		return
	}
	for _, h := range handles {
		s.log.Info("removing stale container", zap.String("container_id", h.ID))
		if err := s.runtime.Remove(ctx, h); err != nil {
			s.log.Warn("remove stale container", zap.Error(err))
		}
	}
}

// recoverStale returns tasks orphaned by a previous run to pending and
// removes their leftover worktrees and branches.
func (s *Supervisor) recoverStale(ctx context.Context) {
	live := s.sched.LiveWorkerIDs()
	stale, err := s.store.RecoverStale(ctx, func(wid string) bool { return live[wid] })
	if err != nil {
		s.log.Error("stale recovery failed", zap.Error(err))
		return
	}
	for _, st := range stale {
		repoDir := s.store.RepoDir(st.ProjectID)
		if st.WorkerID != "" {
			wtDir := s.store.WorktreeDir(st.ProjectID, st.WorkerID)
			if err := s.git.WorktreeRemove(ctx, repoDir, wtDir); err != nil {
				s.log.Debug("remove stale worktree", zap.Error(err))
			}
			_ = os.RemoveAll(wtDir)
		}
		if err := s.git.WorktreePrune(ctx, repoDir); err != nil {
			s.log.Debug("prune worktrees", zap.Error(err))
		}
		if st.Branch != "" {
			if err := s.git.DeleteBranch(ctx, repoDir, st.Branch); err != nil {
				s.log.Debug("delete stale branch", zap.Error(err))
			}
		}
		s.dispatch.SystemEvent("supervisor",
			fmt.Sprintf("recovered stale task %s (worker %s)", st.TaskID, st.WorkerID))
	}
}

func legacyNextSeq(tasksFile string) int {
	data, err := os.ReadFile(tasksFile)
	if err != nil {
		return 1
	}
	var tf struct {
		Tasks []struct {
			ID string `json:"id"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(data, &tf); err != nil {
		return 1
	}
	max := 0
	for _, t := range tf.Tasks {
		var n int
		if _, err := fmt.Sscanf(t.ID, "t-%06d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}
