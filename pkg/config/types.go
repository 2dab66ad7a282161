package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
	StoreNone   = "none"
)

// Authorization sources.
const (
	AuthzPostgres = "postgres"
	AuthzStatic   = "static"
)

// Config is the complete runner and authz service configuration.
type Config struct {
	Runner     RunnerConfig      `yaml:"runner" json:"runner"`
	Server     ServerConfig      `yaml:"server" json:"server"`
	Kubernetes KubernetesConfig  `yaml:"kubernetes" json:"kubernetes"`
	Agent      AgentConfig       `yaml:"agent" json:"agent"`
	Store      StoreConfig       `yaml:"store" json:"store"`
	Policy     PolicyConfig      `yaml:"policy" json:"policy"`
	Authz      AuthzConfig       `yaml:"authz" json:"authz"`
	API        APIConfig         `yaml:"api" json:"api"`
	Telemetry  *telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// RunnerConfig identifies the runner and tunes the reconciliation loop.
type RunnerConfig struct {
	// WorkspaceID and RunnerID scope the desired state served to this runner.
	WorkspaceID string `yaml:"workspace_id" json:"workspace_id" validate:"required,uuid"`
	RunnerID    string `yaml:"runner_id" json:"runner_id" validate:"required,uuid"`

	// FailurePolicy is best_effort or fail_fast.
	FailurePolicy string `yaml:"failure_policy" json:"failure_policy" validate:"oneof=best_effort fail_fast"`

	// ResyncInterval forces a full reconciliation of every kind. Zero uses
	// each executor's own interval.
	ResyncInterval time.Duration `yaml:"resync_interval" json:"resync_interval" validate:"gte=0"`

	ExecutorTimeout   time.Duration `yaml:"executor_timeout" json:"executor_timeout" validate:"gt=0"`
	DefaultRetryDelay time.Duration `yaml:"default_retry_delay" json:"default_retry_delay" validate:"gt=0"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" validate:"gt=0"`
}

// ServerConfig points the runner at the control server.
type ServerConfig struct {
	URL       string        `yaml:"url" json:"url" validate:"required,url"`
	StreamURL string        `yaml:"stream_url" json:"stream_url" validate:"omitempty,url"`
	Token     string        `yaml:"token" json:"token"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// ReportRate and ReportBurst pace status write-back.
	ReportRate  float64 `yaml:"report_rate" json:"report_rate" validate:"gte=0"`
	ReportBurst int     `yaml:"report_burst" json:"report_burst" validate:"gte=0"`
}

// KubernetesConfig configures the Kubernetes executors.
type KubernetesConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Kubeconfig        string        `yaml:"kubeconfig" json:"kubeconfig"`
	NamespacePrefix   string        `yaml:"namespace_prefix" json:"namespace_prefix" validate:"omitempty,max=20"`
	IngressClass      string        `yaml:"ingress_class" json:"ingress_class"`
	StaticSiteOrigin  string        `yaml:"static_site_origin" json:"static_site_origin" validate:"omitempty,hostname"`
	ImagePullSecret   string        `yaml:"image_pull_secret" json:"image_pull_secret"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval" validate:"gte=0"`
	PageSize          int64         `yaml:"page_size" json:"page_size" validate:"gte=0"`
}

// AgentConfig configures the local agent executors.
type AgentConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Path              string        `yaml:"path" json:"path" validate:"required_if=Enabled true"`
	Args              []string      `yaml:"args" json:"args"`
	StartupTimeout    time.Duration `yaml:"startup_timeout" json:"startup_timeout" validate:"gte=0"`
	CommandTimeout    time.Duration `yaml:"command_timeout" json:"command_timeout" validate:"gte=0"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval" validate:"gte=0"`

	// SSH runs the agent on a remote docker host. Nil runs it locally.
	SSH *AgentSSHConfig `yaml:"ssh" json:"ssh"`
}

// AgentSSHConfig is the remote docker host the agent runs on. Without a
// password the private key is used.
type AgentSSHConfig struct {
	Host                 string `yaml:"host" json:"host" validate:"required"`
	Port                 int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	User                 string `yaml:"user" json:"user" validate:"required"`
	Password             string `yaml:"password" json:"password"`
	PrivateKeyPath       string `yaml:"private_key_path" json:"private_key_path"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" json:"private_key_passphrase"`
	KnownHostsPath       string `yaml:"known_hosts_path" json:"known_hosts_path"`
	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gte=0"`
	KeepAliveInterval     time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval" validate:"gte=0"`
}

// StoreConfig selects the resource store.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver" validate:"oneof=sqlite badger none"`
	// Path is the SQLite file or the Badger directory. Empty keeps Badger in memory.
	Path         string        `yaml:"path" json:"path" validate:"required_if=Driver sqlite"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	SyncWrites   bool          `yaml:"sync_writes" json:"sync_writes"`
	GCInterval   time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Paths    []string `yaml:"paths" json:"paths"`
	Watch    bool     `yaml:"watch" json:"watch"`
	Builtins bool     `yaml:"builtins" json:"builtins"`
}

// AuthzConfig configures the permission service.
type AuthzConfig struct {
	Source      string        `yaml:"source" json:"source" validate:"oneof=postgres static"`
	DSN         string        `yaml:"dsn" json:"dsn" validate:"required_if=Source postgres"`
	MaxConns    int32         `yaml:"max_conns" json:"max_conns" validate:"gte=0"`
	FixturePath string        `yaml:"fixture_path" json:"fixture_path" validate:"required_if=Source static"`
	GodUserID   string        `yaml:"god_user_id" json:"god_user_id" validate:"omitempty,uuid"`
	CacheTTL    time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`
}

// APIConfig configures the operator HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
	// ReleaseMode turns off gin's debug output.
	ReleaseMode bool `yaml:"release_mode" json:"release_mode"`
}

// Default returns the configuration every file is layered on.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			FailurePolicy:     string(engine.BestEffort),
			ExecutorTimeout:   2 * time.Minute,
			DefaultRetryDelay: 5 * time.Second,
			ReconnectDelay:    5 * time.Second,
		},
		Server: ServerConfig{
			Timeout:     30 * time.Second,
			ReportRate:  10,
			ReportBurst: 20,
		},
		Kubernetes: KubernetesConfig{
			NamespacePrefix: "ws-",
			IngressClass:    "nginx",
			PageSize:        100,
		},
		Agent: AgentConfig{
			Path:           "stratus-agent",
			StartupTimeout: 10 * time.Second,
			CommandTimeout: 2 * time.Minute,
		},
		Store: StoreConfig{
			Driver:     StoreSQLite,
			Path:       "stratus.db",
			GCInterval: 10 * time.Minute,
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Builtins: true,
		},
		Authz: AuthzConfig{
			Source:   AuthzPostgres,
			MaxConns: 8,
			CacheTTL: time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9480",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// WorkspaceUUID returns the parsed workspace ID.
func (c *Config) WorkspaceUUID() uuid.UUID {
	return uuid.MustParse(c.Runner.WorkspaceID)
}

// RunnerUUID returns the parsed runner ID.
func (c *Config) RunnerUUID() uuid.UUID {
	return uuid.MustParse(c.Runner.RunnerID)
}

// GodUserUUID returns the god user, or uuid.Nil when none is configured.
func (c *Config) GodUserUUID() uuid.UUID {
	if c.Authz.GodUserID == "" {
		return uuid.Nil
	}
	return uuid.MustParse(c.Authz.GodUserID)
}

// EngineOptions maps the runner section onto engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		WorkspaceID:       c.WorkspaceUUID(),
		RunnerID:          c.RunnerUUID(),
		FailurePolicy:     engine.FailurePolicy(c.Runner.FailurePolicy),
		ReconnectDelay:    c.Runner.ReconnectDelay,
		DefaultRetryDelay: c.Runner.DefaultRetryDelay,
		ResyncInterval:    c.Runner.ResyncInterval,
		ExecutorTimeout:   c.Runner.ExecutorTimeout,
	}
}

// ValidationError is one problem found in a configuration source.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Field   string
	Message string
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of one load.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
