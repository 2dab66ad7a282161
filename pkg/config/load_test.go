package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testWorkspace = "6f1c1b8e-2a57-4a4e-9b1d-0c9f3f0a2d11"
	testRunner    = "0b8e7d52-94f3-4c5e-8f0e-5a1f2b3c4d5e"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// envMap is a process environment for tests.
func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func testLoader(vars map[string]string) *Loader {
	return NewLoader(WithEnvFiles(), WithLookupEnv(envMap(vars)))
}

const yamlConfig = `
runner:
  workspace_id: ` + testWorkspace + `
  runner_id: ` + testRunner + `
  failure_policy: fail_fast
  resync_interval: 10m
server:
  url: https://api.stratus.dev
  token: secret
kubernetes:
  enabled: true
  namespace_prefix: tenant-
store:
  driver: badger
  path: ""
telemetry:
  logging:
    level: debug
`

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "stratus.yaml", yamlConfig)

	cfg, err := testLoader(nil).Load(path, RunnerSections...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runner.FailurePolicy != "fail_fast" {
		t.Errorf("expected fail_fast, got %s", cfg.Runner.FailurePolicy)
	}
	if cfg.Runner.ResyncInterval != 10*time.Minute {
		t.Errorf("expected 10m resync, got %s", cfg.Runner.ResyncInterval)
	}
	if cfg.Kubernetes.NamespacePrefix != "tenant-" {
		t.Errorf("expected namespace prefix tenant-, got %s", cfg.Kubernetes.NamespacePrefix)
	}
	if cfg.Store.Driver != StoreBadger || cfg.Store.Path != "" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %s", cfg.Telemetry.Logging.Level)
	}

	// Untouched fields keep their defaults.
	if cfg.Runner.ExecutorTimeout != 2*time.Minute {
		t.Errorf("expected default executor timeout, got %s", cfg.Runner.ExecutorTimeout)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("expected default log format, got %s", cfg.Telemetry.Logging.Format)
	}
	if cfg.Kubernetes.IngressClass != "nginx" {
		t.Errorf("expected default ingress class, got %s", cfg.Kubernetes.IngressClass)
	}

	opts := cfg.EngineOptions()
	if opts.WorkspaceID.String() != testWorkspace || opts.RunnerID.String() != testRunner {
		t.Errorf("unexpected engine identity %s/%s", opts.WorkspaceID, opts.RunnerID)
	}
	if string(opts.FailurePolicy) != "fail_fast" {
		t.Errorf("unexpected engine failure policy %s", opts.FailurePolicy)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, "stratus.yaml", yamlConfig+"unexpected: true\n")

	_, err := testLoader(nil).Load(path)
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || verrs[0].File != path {
		t.Errorf("expected a validation error for %s, got %v", path, err)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "stratus.json", `{
		"runner": {"workspace_id": "`+testWorkspace+`", "runner_id": "`+testRunner+`"},
		"server": {"url": "http://localhost:3000"},
		"agent": {"enabled": true, "path": "/usr/local/bin/stratus-agent"}
	}`)

	cfg, err := testLoader(nil).Load(path, RunnerSections...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Agent.Enabled || cfg.Agent.Path != "/usr/local/bin/stratus-agent" {
		t.Errorf("unexpected agent config %+v", cfg.Agent)
	}
}

func TestLoad_CUE(t *testing.T) {
	path := writeConfig(t, "stratus.cue", `
runner: {
	workspace_id:    "`+testWorkspace+`"
	runner_id:       "`+testRunner+`"
	resync_interval: "90s"
}
server: url: "https://api.stratus.dev"
kubernetes: {
	enabled:   true
	page_size: 50
}
policy: paths: ["/etc/stratus/policies"]
`)

	cfg, err := testLoader(nil).Load(path, RunnerSections...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runner.ResyncInterval != 90*time.Second {
		t.Errorf("expected 90s resync, got %s", cfg.Runner.ResyncInterval)
	}
	if cfg.Kubernetes.PageSize != 50 {
		t.Errorf("expected page size 50, got %d", cfg.Kubernetes.PageSize)
	}
	if len(cfg.Policy.Paths) != 1 || cfg.Policy.Paths[0] != "/etc/stratus/policies" {
		t.Errorf("unexpected policy paths %v", cfg.Policy.Paths)
	}
}

func TestLoad_CUESchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad uuid", `runner: workspace_id: "not-a-uuid"`},
		{"bad failure policy", `runner: failure_policy: "sometimes"`},
		{"bad duration", `runner: resync_interval: "soon"`},
		{"unknown section", `cluster: name: "prod"`},
		{"bad store driver", `store: driver: "redis"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "stratus.cue", tt.content)
			_, err := testLoader(nil).Load(path)
			if err == nil {
				t.Fatal("expected a schema violation")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Errorf("expected ValidationErrors, got %T: %v", err, err)
			}
		})
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "stratus.yaml", yamlConfig)

	cfg, err := testLoader(map[string]string{
		"STRATUS_FAILURE_POLICY":  "best_effort",
		"STRATUS_SERVER_URL":      "https://override.stratus.dev",
		"STRATUS_POLICY_PATHS":    "/a, /b,,",
		"STRATUS_AGENT_ENABLED":   "true",
		"STRATUS_RESYNC_INTERVAL": "1h",
		"STRATUS_LOG_LEVEL":       "warn",
	}).Load(path, RunnerSections...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runner.FailurePolicy != "best_effort" {
		t.Errorf("expected env failure policy, got %s", cfg.Runner.FailurePolicy)
	}
	if cfg.Server.URL != "https://override.stratus.dev" {
		t.Errorf("expected env server URL, got %s", cfg.Server.URL)
	}
	if strings.Join(cfg.Policy.Paths, ",") != "/a,/b" {
		t.Errorf("unexpected policy paths %v", cfg.Policy.Paths)
	}
	if !cfg.Agent.Enabled {
		t.Error("expected agent to be enabled")
	}
	if cfg.Runner.ResyncInterval != time.Hour {
		t.Errorf("expected 1h resync, got %s", cfg.Runner.ResyncInterval)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("expected warn logging, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_BadOverride(t *testing.T) {
	path := writeConfig(t, "stratus.yaml", yamlConfig)

	_, err := testLoader(map[string]string{"STRATUS_AGENT_ENABLED": "maybe"}).Load(path)
	if err == nil || !strings.Contains(err.Error(), "STRATUS_AGENT_ENABLED") {
		t.Errorf("expected the override to be named in %v", err)
	}
}

func TestLoad_EnvFiles(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	shared := filepath.Join(dir, ".env")
	if err := os.WriteFile(local, []byte("STRATUS_RUNNER_ID="+testRunner+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shared, []byte(
		"STRATUS_RUNNER_ID=00000000-0000-0000-0000-000000000000\n"+
			"STRATUS_WORKSPACE_ID="+testWorkspace+"\n"+
			"STRATUS_SERVER_URL=https://dotenv.stratus.dev\n"+
			"STRATUS_KUBERNETES_ENABLED=true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(
		WithEnvFiles(local, shared, filepath.Join(dir, "missing.env")),
		WithLookupEnv(envMap(map[string]string{"STRATUS_SERVER_URL": "https://process.stratus.dev"})),
	)
	cfg, err := loader.Load("", RunnerSections...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runner.RunnerID != testRunner {
		t.Errorf("expected .env.local to win, got %s", cfg.Runner.RunnerID)
	}
	if cfg.Runner.WorkspaceID != testWorkspace {
		t.Errorf("expected workspace from .env, got %s", cfg.Runner.WorkspaceID)
	}
	if cfg.Server.URL != "https://process.stratus.dev" {
		t.Errorf("expected the process environment to win, got %s", cfg.Server.URL)
	}
}

func TestValidate(t *testing.T) {
	loader := testLoader(nil)

	valid := func() *Config {
		cfg := Default()
		cfg.Runner.WorkspaceID = testWorkspace
		cfg.Runner.RunnerID = testRunner
		cfg.Server.URL = "https://api.stratus.dev"
		cfg.Kubernetes.Enabled = true
		cfg.Authz.DSN = "postgres://stratus@localhost/stratus"
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		sections  []string
		wantField string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:      "missing runner id",
			mutate:    func(c *Config) { c.Runner.RunnerID = "" },
			wantField: "runner.runner_id",
		},
		{
			name:      "no executor",
			mutate:    func(c *Config) { c.Kubernetes.Enabled = false },
			wantField: "kubernetes.enabled",
		},
		{
			name:      "sqlite without path",
			mutate:    func(c *Config) { c.Store.Path = "" },
			wantField: "store.path",
		},
		{
			name: "agent over ssh without host",
			mutate: func(c *Config) {
				c.Agent.Enabled = true
				c.Agent.SSH = &AgentSSHConfig{User: "stratus"}
			},
			wantField: "agent.ssh.host",
		},
		{
			name:      "static authz without fixture",
			mutate:    func(c *Config) { c.Authz.Source = AuthzStatic },
			wantField: "authz.fixture_path",
		},
		{
			name:      "bad listen address",
			mutate:    func(c *Config) { c.API.Listen = "nowhere" },
			wantField: "api.listen",
		},
		{
			name: "authz only ignores runner",
			mutate: func(c *Config) {
				c.Runner = RunnerConfig{}
				c.Kubernetes.Enabled = false
			},
			sections: []string{SectionAuthz, SectionAPI},
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Telemetry.Logging.Level = "loud" },
			wantField: "telemetry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := loader.Validate(cfg, tt.sections...)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected validation error: %v", err)
				}
				return
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			for _, e := range verrs {
				if e.Field == tt.wantField {
					return
				}
			}
			t.Errorf("expected an error on %s, got %v", tt.wantField, verrs)
		})
	}
}

func TestValidate_UnknownSection(t *testing.T) {
	if err := testLoader(nil).Validate(Default(), "database"); err == nil {
		t.Error("expected an unknown section to fail")
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := writeConfig(t, "stratus.toml", "runner = 1")
	if _, err := testLoader(nil).Load(path); err == nil {
		t.Error("expected an unsupported format error")
	}
}
