// Package config provides configuration management for the control plane.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SLOT_IDS_CSV)
// 3. Default values
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Slot      SlotConfig      `mapstructure:"slot"`
	Repo      RepoConfig      `mapstructure:"repo"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	MergeGate MergeGateConfig `mapstructure:"merge_gate"`
	Preview   PreviewConfig   `mapstructure:"preview"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// A single pgxpool is shared by the repository layer and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings (periodic maintenance jobs).
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	ReapInterval                time.Duration `mapstructure:"reap_interval"`
	ArtifactRetention           time.Duration `mapstructure:"artifact_retention"`
}

// SlotConfig contains preview slot lease settings.
type SlotConfig struct {
	IDsCSV          string `mapstructure:"ids_csv"`
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"`
}

// IDs returns the configured slot id list in acquisition order.
func (c SlotConfig) IDs() []string {
	var out []string
	for _, raw := range strings.Split(c.IDsCSV, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LeaseTTL returns the lease TTL with a 30 second floor.
func (c SlotConfig) LeaseTTL() time.Duration {
	secs := c.LeaseTTLSeconds
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// RepoConfig locates the git repository the agent edits.
type RepoConfig struct {
	RootPath    string `mapstructure:"root_path"`
	TrunkBranch string `mapstructure:"trunk_branch"`
}

// WorktreeConfig locates per-slot git worktrees.
type WorktreeConfig struct {
	RootPath string `mapstructure:"root_path"`
}

// CORSConfig contains allowed origins for the HTTP surface.
type CORSConfig struct {
	AllowedOriginsCSV string `mapstructure:"allowed_origins_csv"`
}

// AllowedOrigins returns the parsed origin list.
func (c CORSConfig) AllowedOrigins() []string {
	var out []string
	for _, raw := range strings.Split(c.AllowedOriginsCSV, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// WorkerConfig contains worker orchestrator settings.
type WorkerConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	RunTimeoutSeconds   int     `mapstructure:"run_timeout_seconds"`
	RunPollSeconds      float64 `mapstructure:"run_poll_seconds"`
	HeartbeatSeconds    int     `mapstructure:"heartbeat_seconds"`
	CancelCheckSeconds  int     `mapstructure:"cancel_check_seconds"`
	CheckTimeoutSeconds int     `mapstructure:"check_timeout_seconds"`
	RequiredChecks      string  `mapstructure:"required_checks"`
	ArtifactRoot        string  `mapstructure:"artifact_root"`
	AllowedCommands     string  `mapstructure:"allowed_commands"`
	AllowedPaths        string  `mapstructure:"allowed_paths"`
	EnvAllowlist        string  `mapstructure:"subprocess_env_allowlist"`
	EnvBlocklist        string  `mapstructure:"subprocess_env_blocklist"`
	GitAuthorName       string  `mapstructure:"git_author_name"`
	GitAuthorEmail      string  `mapstructure:"git_author_email"`
	CodexBin            string  `mapstructure:"codex_bin"`
	CodexArgs           string  `mapstructure:"codex_args"`
	PoolSize            int     `mapstructure:"pool_size"`
}

// RunTimeout returns the agent timeout with a 30 second floor.
func (c WorkerConfig) RunTimeout() time.Duration {
	secs := c.RunTimeoutSeconds
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// RunPoll returns the queue poll interval.
func (c WorkerConfig) RunPoll() time.Duration {
	if c.RunPollSeconds <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.RunPollSeconds * float64(time.Second))
}

// Heartbeat returns the lease heartbeat interval with a 5 second floor.
func (c WorkerConfig) Heartbeat() time.Duration {
	secs := c.HeartbeatSeconds
	if secs < 5 {
		secs = 5
	}
	return time.Duration(secs) * time.Second
}

// CancelCheck returns the cooperative cancel probe interval.
func (c WorkerConfig) CancelCheck() time.Duration {
	secs := c.CancelCheckSeconds
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// CheckTimeout returns the per-check timeout with a 30 second floor.
func (c WorkerConfig) CheckTimeout() time.Duration {
	secs := c.CheckTimeoutSeconds
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// MergeGateConfig contains approval-time merge gate settings.
type MergeGateConfig struct {
	RequiredChecks                  string `mapstructure:"required_checks"`
	GitPushMode                     string `mapstructure:"git_push_mode"`
	GitPushRemote                   string `mapstructure:"git_push_remote"`
	GitPushBranch                   string `mapstructure:"git_push_branch"`
	GitPushTimeoutSeconds           int    `mapstructure:"git_push_timeout_seconds"`
	DeployBackendReloadCommand      string `mapstructure:"deploy_backend_reload_command"`
	DeployBackendHealthcheckCommand string `mapstructure:"deploy_backend_healthcheck_command"`
	DeployCommandTimeoutSeconds     int    `mapstructure:"deploy_command_timeout_seconds"`
}

// PushTimeout returns the git push timeout with a 15 second floor.
func (c MergeGateConfig) PushTimeout() time.Duration {
	secs := c.GitPushTimeoutSeconds
	if secs < 15 {
		secs = 15
	}
	return time.Duration(secs) * time.Second
}

// DeployTimeout returns the reload/healthcheck subprocess timeout.
func (c MergeGateConfig) DeployTimeout() time.Duration {
	secs := c.DeployCommandTimeoutSeconds
	if secs < 15 {
		secs = 15
	}
	return time.Duration(secs) * time.Second
}

// PreviewConfig contains preview publish and DB reset settings.
type PreviewConfig struct {
	DBResetCommand             string `mapstructure:"db_reset_command"`
	DBResetTimeoutSeconds      int    `mapstructure:"db_reset_timeout_seconds"`
	DBResetStrategy            string `mapstructure:"db_reset_strategy"` // seed or snapshot
	SeedVersion                string `mapstructure:"seed_version"`
	SnapshotVersion            string `mapstructure:"snapshot_version"`
	FrontendInstallCommand     string `mapstructure:"frontend_install_command"`
	FrontendBuildCommand       string `mapstructure:"frontend_build_command"`
	SyncCommand                string `mapstructure:"sync_command"`
	BackendSyncCommand         string `mapstructure:"backend_sync_command"`
	BackendMigrateCommand      string `mapstructure:"backend_migrate_command"`
	BackendRestartCommand      string `mapstructure:"backend_restart_command"`
	FrontendHealthcheckCommand string `mapstructure:"frontend_healthcheck_command"`
	BackendHealthcheckCommand  string `mapstructure:"backend_healthcheck_command"`
	PublishTimeoutSeconds      int    `mapstructure:"publish_timeout_seconds"`
	SlotAPIBaseTemplate        string `mapstructure:"slot_api_base_template"`
}

// DBResetTimeout returns the reset subprocess timeout.
func (c PreviewConfig) DBResetTimeout() time.Duration {
	secs := c.DBResetTimeoutSeconds
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// PublishTimeout returns the per-step publish subprocess timeout.
func (c PreviewConfig) PublishTimeout() time.Duration {
	secs := c.PublishTimeoutSeconds
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix: DATABASE_URL, SLOT_IDS_CSV,
// WORKER_RUN_TIMEOUT_SECONDS, MERGE_GATE_GIT_PUSH_MODE, and so on.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/codexplane")

	// Maps nested config: slot.ids_csv → SLOT_IDS_CSV
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if len(c.Slot.IDs()) == 0 {
		return fmt.Errorf("slot.ids_csv must name at least one slot")
	}
	switch c.MergeGate.GitPushMode {
	case "manual", "auto", "dry-run", "off", "disabled", "none", "enabled", "dry_run", "dryrun":
	default:
		return fmt.Errorf("merge_gate.git_push_mode %q is not recognized", c.MergeGate.GitPushMode)
	}
	return nil
}

// CheckSpec is one named validation or merge-gate check.
type CheckSpec struct {
	Name    string
	Command string
	Timeout time.Duration
}

// envKey normalizes a check name for env lookup: non-alphanumerics become
// underscores, then the result is uppercased ("type-check" → "TYPE_CHECK").
func envKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.ToUpper(b.String())
}

// defaultCheckCommands lets a bare development setup run the standard check
// set without per-check env configuration. Merge-gate checks never fall back
// to these; they must be configured explicitly or inherit the worker command.
var defaultCheckCommands = map[string]string{
	"lint":  "npm run lint",
	"test":  "npm test",
	"smoke": "npm run smoke",
}

func splitChecksCSV(csv string) []string {
	var out []string
	for _, raw := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func checkTimeout(prefix, key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(prefix + "_CHECK_" + key + "_TIMEOUT_SECONDS"))
	if raw == "" {
		return fallback
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs < 30 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// WorkerChecks resolves the ordered validation check list for the worker.
// Command lookup: WORKER_CHECK_<KEY>_COMMAND env, then the built-in default.
func (c *Config) WorkerChecks() ([]CheckSpec, error) {
	names := splitChecksCSV(c.Worker.RequiredChecks)
	specs := make([]CheckSpec, 0, len(names))
	for _, name := range names {
		key := envKey(name)
		command := strings.TrimSpace(os.Getenv("WORKER_CHECK_" + key + "_COMMAND"))
		if command == "" {
			command = defaultCheckCommands[name]
		}
		if command == "" {
			return nil, fmt.Errorf("no command configured for required check %q", name)
		}
		specs = append(specs, CheckSpec{
			Name:    name,
			Command: command,
			Timeout: checkTimeout("WORKER", key, c.Worker.CheckTimeout()),
		})
	}
	return specs, nil
}

// MergeGateChecks resolves the merge-gate check list. The check set falls back
// to the worker's required checks; each command must come from
// MERGE_GATE_CHECK_<KEY>_COMMAND or WORKER_CHECK_<KEY>_COMMAND. A check
// without a command is a configuration error, surfaced by the approval
// pipeline as CHECKS_FAILED / missing_check_command_configuration.
func (c *Config) MergeGateChecks() ([]CheckSpec, error) {
	csv := c.MergeGate.RequiredChecks
	if strings.TrimSpace(csv) == "" {
		csv = c.Worker.RequiredChecks
	}
	names := splitChecksCSV(csv)
	specs := make([]CheckSpec, 0, len(names))
	for _, name := range names {
		key := envKey(name)
		command := strings.TrimSpace(os.Getenv("MERGE_GATE_CHECK_" + key + "_COMMAND"))
		if command == "" {
			command = strings.TrimSpace(os.Getenv("WORKER_CHECK_" + key + "_COMMAND"))
		}
		if command == "" {
			return nil, fmt.Errorf("no command configured for merge gate check %q", name)
		}
		specs = append(specs, CheckSpec{
			Name:    name,
			Command: command,
			Timeout: checkTimeout("MERGE_GATE", key, c.Worker.CheckTimeout()),
		})
	}
	return specs, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s") // SSE streams disable the write deadline
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database (shared pool)
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "codexplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "codexplane")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River (maintenance jobs only; the run queue lives on row locks)
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.reap_interval", "1m")
	v.SetDefault("river.artifact_retention", "720h")

	// Slots
	v.SetDefault("slot.ids_csv", "preview-1,preview-2,preview-3")
	v.SetDefault("slot.lease_ttl_seconds", 1800)

	// Repo / worktrees
	v.SetDefault("repo.root_path", "")
	v.SetDefault("repo.trunk_branch", "main")
	v.SetDefault("worktree.root_path", "")

	// CORS
	v.SetDefault("cors.allowed_origins_csv", "")

	// Worker
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.run_timeout_seconds", 1800)
	v.SetDefault("worker.run_poll_seconds", 0.5)
	v.SetDefault("worker.heartbeat_seconds", 15)
	v.SetDefault("worker.cancel_check_seconds", 2)
	v.SetDefault("worker.check_timeout_seconds", 900)
	v.SetDefault("worker.required_checks", "lint,test,smoke")
	v.SetDefault("worker.artifact_root", "artifacts")
	v.SetDefault("worker.allowed_commands", "codex,python,python3,git,npm,node")
	v.SetDefault("worker.allowed_paths", "")
	v.SetDefault("worker.subprocess_env_allowlist", "PATH,HOME,LANG,LC_ALL,LC_CTYPE,PYTHONPATH,VIRTUAL_ENV,TMPDIR")
	v.SetDefault("worker.subprocess_env_blocklist", "DATABASE_URL,REDIS_URL,OPENAI_API_KEY,AWS_ACCESS_KEY_ID,AWS_SECRET_ACCESS_KEY,GOOGLE_APPLICATION_CREDENTIALS")
	v.SetDefault("worker.git_author_name", "Codexplane Worker")
	v.SetDefault("worker.git_author_email", "worker@codexplane.local")
	v.SetDefault("worker.codex_bin", "codex")
	v.SetDefault("worker.codex_args", "exec --full-auto --skip-git-repo-check")
	v.SetDefault("worker.pool_size", 4)

	// Merge gate
	v.SetDefault("merge_gate.required_checks", "")
	v.SetDefault("merge_gate.git_push_mode", "manual")
	v.SetDefault("merge_gate.git_push_remote", "origin")
	v.SetDefault("merge_gate.git_push_branch", "main")
	v.SetDefault("merge_gate.git_push_timeout_seconds", 120)
	v.SetDefault("merge_gate.deploy_backend_reload_command", "")
	v.SetDefault("merge_gate.deploy_backend_healthcheck_command", "")
	v.SetDefault("merge_gate.deploy_command_timeout_seconds", 120)

	// Preview
	v.SetDefault("preview.db_reset_command", "")
	v.SetDefault("preview.db_reset_timeout_seconds", 300)
	v.SetDefault("preview.db_reset_strategy", "seed")
	v.SetDefault("preview.seed_version", "")
	v.SetDefault("preview.snapshot_version", "")
	v.SetDefault("preview.frontend_install_command", "")
	v.SetDefault("preview.frontend_build_command", "")
	v.SetDefault("preview.sync_command", "")
	v.SetDefault("preview.backend_sync_command", "")
	v.SetDefault("preview.backend_migrate_command", "")
	v.SetDefault("preview.backend_restart_command", "")
	v.SetDefault("preview.frontend_healthcheck_command", "")
	v.SetDefault("preview.backend_healthcheck_command", "")
	v.SetDefault("preview.publish_timeout_seconds", 600)
	v.SetDefault("preview.slot_api_base_template", "")
}
