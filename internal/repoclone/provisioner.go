// Package repoclone provisions project repositories: cloning, local import,
// empty-repo initialization, and retry after a failed attempt.
package repoclone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/experience"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/store"
)

// Provisioner brings project repos from cloning to ready.
type Provisioner struct {
	cfg      *config.Config
	store    *store.Store
	git      *git.Manager
	dispatch *events.DispatcherLog
	log      *logger.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg *config.Config, st *store.Store, g *git.Manager, dispatch *events.DispatcherLog, log *logger.Logger) *Provisioner {
	return &Provisioner{
		cfg:      cfg,
		store:    st,
		git:      g,
		dispatch: dispatch,
		log:      log.WithFields(zap.String("component", "repoclone")),
	}
}

// Provision acquires the project's repository in the background. Outcome is
// reported through the project status (ready or error).
func (p *Provisioner) Provision(pid string) {
	go func() {
		ctx := context.Background()
		if err := p.provision(ctx, pid); err != nil {
			p.log.Error("provision failed", zap.String("project_id", pid), zap.Error(err))
			if _, uerr := p.store.UpdateProject(ctx, pid, func(pr *store.Project) error {
				pr.Status = store.ProjectError
				pr.Error = err.Error()
				return nil
			}); uerr != nil {
				p.log.Error("record provision error", zap.Error(uerr))
			}
			p.dispatch.SystemEvent("repoclone", fmt.Sprintf("project %s provisioning failed: %s", pid, err))
			return
		}
		p.dispatch.SystemEvent("repoclone", fmt.Sprintf("project %s ready", pid))
	}()
}

// Retry re-runs provisioning for a project stuck in error. The partial repo
// directory is discarded first.
func (p *Provisioner) Retry(ctx context.Context, pid string) error {
	proj, err := p.store.GetProject(ctx, pid)
	if err != nil {
		return err
	}
	if proj.Status != store.ProjectError {
		return fmt.Errorf("%w: retry provisioning from %s", store.ErrConflict, proj.Status)
	}
	if err := os.RemoveAll(p.store.RepoDir(pid)); err != nil {
		return fmt.Errorf("discard partial repo: %w", err)
	}
	if _, err := p.store.UpdateProject(ctx, pid, func(pr *store.Project) error {
		pr.Status = store.ProjectCloning
		pr.Error = ""
		return nil
	}); err != nil {
		return err
	}
	p.Provision(pid)
	return nil
}

func (p *Provisioner) provision(ctx context.Context, pid string) error {
	proj, err := p.store.GetProject(ctx, pid)
	if err != nil {
		return err
	}
	repoDir := p.store.RepoDir(pid)

	switch origin := proj.Origin().(type) {
	case store.GitOrigin:
		if err := p.git.Clone(ctx, origin.URL, "", repoDir); err != nil {
			return fmt.Errorf("clone %s: %w", origin.URL, err)
		}
	case store.LocalOrigin:
		if _, err := os.Stat(filepath.Join(origin.Path, ".git")); err != nil {
			return fmt.Errorf("local path %s is not a git repository", origin.Path)
		}
		if err := p.git.Clone(ctx, origin.Path, "", repoDir); err != nil {
			return fmt.Errorf("clone local %s: %w", origin.Path, err)
		}
	case store.EmptyOrigin:
		if err := p.initEmpty(ctx, repoDir, proj); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown origin %T", origin)
	}

	p.ensureIdentity(ctx, repoDir)

	// The clone's checked-out branch wins over the configured default when
	// the remote uses a different name.
	if branch, err := p.git.CurrentBranch(ctx, repoDir); err == nil && branch != "HEAD" && branch != proj.Branch {
		if !p.git.RefExists(ctx, repoDir, proj.Branch) {
			proj.Branch = branch
		}
	}

	if err := experience.Bootstrap(repoDir, proj.Name); err != nil {
		return fmt.Errorf("bootstrap progress log: %w", err)
	}
	if _, err := p.git.CommitAll(ctx, repoDir, "docs: initialize progress log"); err != nil {
		return fmt.Errorf("commit progress log: %w", err)
	}
	if err := p.git.AddToExclude(ctx, repoDir, p.cfg.Agent.InstructionsFile); err != nil {
		return fmt.Errorf("exclude instructions file: %w", err)
	}
	for _, dir := range []string{p.store.WorktreesDir(pid), p.store.LogsDir(pid)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	branch := proj.Branch
	_, err = p.store.UpdateProject(ctx, pid, func(pr *store.Project) error {
		pr.Status = store.ProjectReady
		pr.Branch = branch
		pr.Error = ""
		return nil
	})
	return err
}

// initEmpty creates a fresh repository with a single commit so branches and
// worktrees have a root to hang off.
func (p *Provisioner) initEmpty(ctx context.Context, repoDir string, proj *store.Project) error {
	if err := p.git.Init(ctx, repoDir, proj.Branch); err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	p.ensureIdentity(ctx, repoDir)
	readme := fmt.Sprintf("# %s\n", proj.Name)
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte(readme), 0o644); err != nil {
		return err
	}
	if _, err := p.git.CommitAll(ctx, repoDir, "chore: initial commit"); err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}
	return nil
}

// ensureIdentity gives the repo a commit identity when none is configured,
// since the engine commits progress entries and merges itself.
func (p *Provisioner) ensureIdentity(ctx context.Context, repoDir string) {
	if err := p.git.EnsureIdentity(ctx, repoDir, "devswarm", "devswarm@localhost"); err != nil {
		p.log.Debug("ensure commit identity", zap.Error(err))
	}
}

// LocalRepo is one discovered clone under the configured local-repos root.
type LocalRepo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DiscoverLocal lists git repositories directly under the configured root.
func (p *Provisioner) DiscoverLocal() []LocalRepo {
	root := p.cfg.Data.LocalReposRoot
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var repos []LocalRepo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
			continue
		}
		repos = append(repos, LocalRepo{Name: e.Name(), Path: path})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos
}
