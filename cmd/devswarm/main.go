package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devswarm/devswarm/internal/agentcli"
	"github.com/devswarm/devswarm/internal/common/config"
	"github.com/devswarm/devswarm/internal/common/logger"
	"github.com/devswarm/devswarm/internal/container"
	"github.com/devswarm/devswarm/internal/events"
	"github.com/devswarm/devswarm/internal/experience"
	"github.com/devswarm/devswarm/internal/gateway"
	"github.com/devswarm/devswarm/internal/git"
	"github.com/devswarm/devswarm/internal/mergetest"
	"github.com/devswarm/devswarm/internal/plan"
	"github.com/devswarm/devswarm/internal/repoclone"
	"github.com/devswarm/devswarm/internal/scheduler"
	"github.com/devswarm/devswarm/internal/store"
	"github.com/devswarm/devswarm/internal/supervisor"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck
	logger.SetDefault(log)

	log.Info("Starting devswarm engine...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus, dispatcher log, optional NATS mirror
	bus := events.NewBus()
	dispatch := events.NewDispatcherLog(bus)
	if cfg.NATS.URL != "" {
		mirror, err := events.NewNATSMirror(cfg.NATS.URL, cfg.NATS.ClientID,
			cfg.NATS.SubjectPrefix, cfg.NATS.MaxReconnects, log)
		if err != nil {
			log.Warn("NATS mirror disabled", zap.Error(err))
		} else {
			mirror.Attach(bus)
			defer mirror.Close()
			log.Info("Mirroring events to NATS", zap.String("url", cfg.NATS.URL))
		}
	}

	// 4. Store and git manager
	st := store.New(cfg.Data.Dir, cfg.Data.LockTimeout, log)
	st.SetSink(dispatch)
	g := git.NewManager(log)

	// 5. Container runtime
	runtime, err := container.NewDockerRuntime(cfg.Docker.Host, cfg.Docker.APIVersion, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker runtime", zap.Error(err))
	}
	defer runtime.Close()
	if err := runtime.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 6. In-process agent CLI (planning, conflict resolution, test fixing)
	var extraEnv []string
	if cfg.Agent.APIKey != "" {
		extraEnv = append(extraEnv, "AGENT_API_KEY="+cfg.Agent.APIKey)
	}
	if cfg.Agent.BaseURL != "" {
		extraEnv = append(extraEnv, "AGENT_BASE_URL="+cfg.Agent.BaseURL)
	}
	agent := agentcli.NewCLIRunner(cfg.Agent.Binary, cfg.Agent.Model, extraEnv, log)

	// 7. Domain services
	engine := mergetest.NewEngine(g, agent, log)
	engine.SetRetries(cfg.Scheduler.MergeRetries)
	exp := experience.NewIndexer(g, budgets(cfg), log)
	exp.SetAgent(agent)
	planSvc := plan.NewService(cfg, st, agent, bus, log)
	prov := repoclone.NewProvisioner(cfg, st, g, dispatch, log)
	sched := scheduler.New(cfg, st, g, runtime, engine, exp, bus, dispatch, log)

	// 8. Gateway and supervisor
	gw := gateway.NewServer(cfg, st, g, sched, planSvc, prov, bus, dispatch, log)
	sup := supervisor.New(cfg, st, g, runtime, sched, gw, dispatch, log)

	if err := sup.Run(ctx); err != nil {
		log.Fatal("Engine exited with error", zap.Error(err))
	}
	log.Info("devswarm engine stopped")
}

// budgets maps the experience configuration onto indexer budgets, keeping
// defaults for anything unset.
func budgets(cfg *config.Config) experience.Budgets {
	b := experience.DefaultBudgets()
	if cfg.Experience.RecentEntries > 0 {
		b.RecentEntries = cfg.Experience.RecentEntries
	}
	if cfg.Experience.ReadBudgetBytes > 0 {
		b.ReadBudgetBytes = cfg.Experience.ReadBudgetBytes
	}
	if cfg.Experience.PromptBudgetBytes > 0 {
		b.PromptBudget = cfg.Experience.PromptBudgetBytes
	}
	if cfg.Experience.CrossEntries > 0 {
		b.CrossEntries = cfg.Experience.CrossEntries
	}
	if cfg.Experience.CrossBudgetBytes > 0 {
		b.CrossBudgetBytes = cfg.Experience.CrossBudgetBytes
	}
	return b
}
