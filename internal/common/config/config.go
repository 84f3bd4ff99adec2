// Package config provides configuration management for devswarm.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration engine.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Data       DataConfig       `mapstructure:"data"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Experience ExperienceConfig `mapstructure:"experience"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the on-disk layout configuration.
type DataConfig struct {
	// Dir is the root data directory (projects.json, per-project subtrees).
	Dir string `mapstructure:"dir"`
	// HostDir is the host-side path of Dir when the engine itself runs in a
	// container; used to translate mount sources for worker containers.
	// Empty means Dir is already a host path.
	HostDir string `mapstructure:"hostDir"`
	// LocalReposRoot is scanned by GET /api/local-repos for candidate clones.
	LocalReposRoot string `mapstructure:"localReposRoot"`
	// LockTimeout bounds how long a store operation waits for a file lock.
	LockTimeout time.Duration `mapstructure:"lockTimeout"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	WorkerImage string `mapstructure:"workerImage"`
	// NetworkMode for worker containers. Empty uses the default bridge with a
	// host-gateway alias so containers can reach the engine callback URL.
	NetworkMode string `mapstructure:"networkMode"`
	MemoryLimit int64  `mapstructure:"memoryLimit"` // bytes, 0 = unlimited
	CPUQuota    int64  `mapstructure:"cpuQuota"`    // microseconds per period, 0 = unlimited
}

// AgentConfig holds the agent CLI contract configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable name.
	Binary string `mapstructure:"binary"`
	// BranchPrefix prefixes every task branch (<prefix>/<task-id>).
	BranchPrefix string `mapstructure:"branchPrefix"`
	// InstructionsFile is injected into each repo's git exclude so the agent
	// guidance never gets committed.
	InstructionsFile string `mapstructure:"instructionsFile"`
	// APIKey, BaseURL and Model are forwarded into worker containers and
	// in-process agent calls.
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
	Model   string `mapstructure:"model"`
	// PlanTimeout caps a single plan-generation or plan-chat call.
	PlanTimeout time.Duration `mapstructure:"planTimeout"`
	// CallbackURL is what worker containers use to reach the engine. Empty
	// derives http://host.docker.internal:<server.port>.
	CallbackURL string `mapstructure:"callbackUrl"`
}

// SchedulerConfig holds scheduling configuration.
type SchedulerConfig struct {
	WorkerCount  int           `mapstructure:"workerCount"`
	TickInterval time.Duration `mapstructure:"tickInterval"`
	// TaskTimeout is the per-task soft timeout; a running container is stopped
	// and the task failed when it elapses.
	TaskTimeout time.Duration `mapstructure:"taskTimeout"`
	// CallbackGrace is how long after container exit a status callback is
	// still honored.
	CallbackGrace time.Duration `mapstructure:"callbackGrace"`
	// StopGrace is the SIGTERM-to-SIGKILL grace on cancellation and shutdown.
	StopGrace time.Duration `mapstructure:"stopGrace"`
	// MergeRetries bounds merge-test attempts.
	MergeRetries int `mapstructure:"mergeRetries"`
}

// NATSConfig holds the optional event mirror configuration. An empty URL
// keeps events purely in-process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ExperienceConfig bounds the experience indexer.
type ExperienceConfig struct {
	RecentEntries     int `mapstructure:"recentEntries"`
	ReadBudgetBytes   int `mapstructure:"readBudgetBytes"`
	PromptBudgetBytes int `mapstructure:"promptBudgetBytes"`
	CrossEntries      int `mapstructure:"crossEntries"`
	CrossBudgetBytes  int `mapstructure:"crossBudgetBytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProjectsDir returns the directory holding per-project subtrees.
func (d *DataConfig) ProjectsDir() string {
	return filepath.Join(d.Dir, "projects")
}

// RegistryFile returns the path of the project registry.
func (d *DataConfig) RegistryFile() string {
	return filepath.Join(d.Dir, "projects.json")
}

// HostPath translates an engine-side data path to the host path used for
// container volume mounts.
func (d *DataConfig) HostPath(p string) string {
	if d.HostDir == "" || d.HostDir == d.Dir {
		return p
	}
	rel, err := filepath.Rel(d.Dir, p)
	if err != nil {
		return p
	}
	return filepath.Join(d.HostDir, rel)
}

// ResolvedCallbackURL returns the callback URL workers should use.
func (c *Config) ResolvedCallbackURL() string {
	if c.Agent.CallbackURL != "" {
		return c.Agent.CallbackURL
	}
	return fmt.Sprintf("http://host.docker.internal:%d", c.Server.Port)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVSWARM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.hostDir", "")
	v.SetDefault("data.localReposRoot", "/mnt/repos")
	v.SetDefault("data.lockTimeout", 5*time.Second)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.workerImage", "devswarm-worker:latest")
	v.SetDefault("docker.networkMode", "")
	v.SetDefault("docker.memoryLimit", 0)
	v.SetDefault("docker.cpuQuota", 0)

	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.branchPrefix", "agent")
	v.SetDefault("agent.instructionsFile", "AGENT.md")
	v.SetDefault("agent.apiKey", "")
	v.SetDefault("agent.baseUrl", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.planTimeout", 5*time.Minute)
	v.SetDefault("agent.callbackUrl", "")

	v.SetDefault("scheduler.workerCount", 3)
	v.SetDefault("scheduler.tickInterval", time.Second)
	v.SetDefault("scheduler.taskTimeout", 30*time.Minute)
	v.SetDefault("scheduler.callbackGrace", 30*time.Second)
	v.SetDefault("scheduler.stopGrace", 15*time.Second)
	v.SetDefault("scheduler.mergeRetries", 3)

	// Empty URL means in-process events only.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devswarm")
	v.SetDefault("nats.subjectPrefix", "devswarm")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("experience.recentEntries", 5)
	v.SetDefault("experience.readBudgetBytes", 12*1024)
	v.SetDefault("experience.promptBudgetBytes", 3*1024)
	v.SetDefault("experience.crossEntries", 3)
	v.SetDefault("experience.crossBudgetBytes", 2560)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix DEVSWARM_ with underscore
// naming; the flat legacy variables (WORKER_COUNT, WEB_PORT, DATA_DIR,
// AGENT_API_KEY, AGENT_BASE_URL, AGENT_MODEL, WORKER_IMAGE) are bound
// explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("scheduler.workerCount", "WORKER_COUNT", "DEVSWARM_SCHEDULER_WORKER_COUNT")
	_ = v.BindEnv("server.port", "WEB_PORT", "DEVSWARM_SERVER_PORT")
	_ = v.BindEnv("data.dir", "DATA_DIR", "DEVSWARM_DATA_DIR")
	_ = v.BindEnv("data.hostDir", "DATA_HOST_PATH", "DEVSWARM_DATA_HOST_DIR")
	_ = v.BindEnv("agent.apiKey", "AGENT_API_KEY", "DEVSWARM_AGENT_API_KEY")
	_ = v.BindEnv("agent.baseUrl", "AGENT_BASE_URL", "DEVSWARM_AGENT_BASE_URL")
	_ = v.BindEnv("agent.model", "AGENT_MODEL", "DEVSWARM_AGENT_MODEL")
	_ = v.BindEnv("docker.workerImage", "WORKER_IMAGE", "DEVSWARM_DOCKER_WORKER_IMAGE")
	_ = v.BindEnv("nats.url", "NATS_URL", "DEVSWARM_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devswarm/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that required configuration fields are coherent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Scheduler.WorkerCount < 0 {
		errs = append(errs, "scheduler.workerCount must not be negative")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tickInterval must be positive")
	}
	if cfg.Scheduler.MergeRetries <= 0 {
		errs = append(errs, "scheduler.mergeRetries must be positive")
	}
	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if strings.ContainsAny(cfg.Agent.BranchPrefix, " /") {
		errs = append(errs, "agent.branchPrefix must be a single branch path segment")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
