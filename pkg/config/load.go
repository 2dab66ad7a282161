package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sections of Config that can be validated on their own.
const (
	SectionRunner     = "runner"
	SectionServer     = "server"
	SectionKubernetes = "kubernetes"
	SectionAgent      = "agent"
	SectionStore      = "store"
	SectionPolicy     = "policy"
	SectionAuthz      = "authz"
	SectionAPI        = "api"
)

// AllSections lists every section in file order.
var AllSections = []string{
	SectionRunner, SectionServer, SectionKubernetes, SectionAgent,
	SectionStore, SectionPolicy, SectionAuthz, SectionAPI,
}

// RunnerSections are the sections the reconciliation runner reads.
var RunnerSections = []string{
	SectionRunner, SectionServer, SectionKubernetes, SectionAgent,
	SectionStore, SectionPolicy, SectionAPI,
}

// AuthzSections are the sections the permission service reads.
var AuthzSections = []string{SectionAuthz, SectionAPI}

// DefaultEnvFiles are read before the environment overrides are applied.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Loader layers defaults, a configuration file, .env files and STRATUS_*
// environment variables, then validates the result.
type Loader struct {
	registry  *SchemaRegistry
	validate  *validator.Validate
	envFiles  []string
	lookupEnv func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithEnvFiles replaces the .env files read by the loader.
func WithEnvFiles(files ...string) LoaderOption {
	return func(l *Loader) {
		l.envFiles = files
	}
}

// WithLookupEnv replaces the process environment.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	l := &Loader{
		registry:  NewSchemaRegistry(),
		validate:  v,
		envFiles:  DefaultEnvFiles,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the loader's schema registry.
func (l *Loader) Registry() *SchemaRegistry {
	return l.registry
}

// Load reads path (which may be empty) and validates the given sections.
// No sections validates all of them.
func Load(path string, sections ...string) (*Config, error) {
	return NewLoader().Load(path, sections...)
}

// Load reads path (which may be empty) and validates the given sections.
func (l *Loader) Load(path string, sections ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := l.decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	env, err := l.environment()
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, env); err != nil {
		return nil, err
	}

	if err := l.Validate(cfg, sections...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile decodes a .yaml, .yml, .json or .cue file over cfg.
func (l *Loader) decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	case ".cue":
		data, err = l.cueToYAML(path, data)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return yamlErrors(path, err)
	}
	return nil
}

// cueToYAML unifies a CUE file with the #Config schema and exports it.
func (l *Loader) cueToYAML(path string, src []byte) ([]byte, error) {
	val, err := l.registry.Compile(path, src)
	if err != nil {
		return nil, err
	}
	unified, err := l.registry.Unify(SchemaConfig, val)
	if err != nil {
		return nil, err
	}
	out, err := cueyaml.Encode(unified)
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return out, nil
}

func yamlErrors(path string, err error) error {
	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return ValidationErrors{{File: path, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(typeErr.Errors))
	for _, msg := range typeErr.Errors {
		out = append(out, ValidationError{File: path, Message: msg})
	}
	return out
}

// environment merges the .env files under the process environment. Earlier
// files win over later ones.
func (l *Loader) environment() (func(string) (string, bool), error) {
	dotenv := make(map[string]string)
	for _, file := range l.envFiles {
		vars, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		for k, v := range vars {
			if _, ok := dotenv[k]; !ok {
				dotenv[k] = v
			}
		}
	}

	return func(key string) (string, bool) {
		if v, ok := l.lookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

type override struct {
	key string
	set func(*Config, string) error
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func listVar(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*field(c) = items
		return nil
	}
}

var overrides = []override{
	{"STRATUS_WORKSPACE_ID", stringVar(func(c *Config) *string { return &c.Runner.WorkspaceID })},
	{"STRATUS_RUNNER_ID", stringVar(func(c *Config) *string { return &c.Runner.RunnerID })},
	{"STRATUS_FAILURE_POLICY", stringVar(func(c *Config) *string { return &c.Runner.FailurePolicy })},
	{"STRATUS_RESYNC_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Runner.ResyncInterval })},
	{"STRATUS_SERVER_URL", stringVar(func(c *Config) *string { return &c.Server.URL })},
	{"STRATUS_SERVER_TOKEN", stringVar(func(c *Config) *string { return &c.Server.Token })},
	{"STRATUS_STREAM_URL", stringVar(func(c *Config) *string { return &c.Server.StreamURL })},
	{"STRATUS_KUBERNETES_ENABLED", boolVar(func(c *Config) *bool { return &c.Kubernetes.Enabled })},
	{"STRATUS_KUBECONFIG", stringVar(func(c *Config) *string { return &c.Kubernetes.Kubeconfig })},
	{"STRATUS_AGENT_ENABLED", boolVar(func(c *Config) *bool { return &c.Agent.Enabled })},
	{"STRATUS_AGENT_PATH", stringVar(func(c *Config) *string { return &c.Agent.Path })},
	{"STRATUS_STORE_DRIVER", stringVar(func(c *Config) *string { return &c.Store.Driver })},
	{"STRATUS_STORE_PATH", stringVar(func(c *Config) *string { return &c.Store.Path })},
	{"STRATUS_POLICY_PATHS", listVar(func(c *Config) *[]string { return &c.Policy.Paths })},
	{"STRATUS_AUTHZ_SOURCE", stringVar(func(c *Config) *string { return &c.Authz.Source })},
	{"STRATUS_AUTHZ_POSTGRES_URL", stringVar(func(c *Config) *string { return &c.Authz.DSN })},
	{"STRATUS_AUTHZ_FIXTURE", stringVar(func(c *Config) *string { return &c.Authz.FixturePath })},
	{"STRATUS_AUTHZ_GOD_USER_ID", stringVar(func(c *Config) *string { return &c.Authz.GodUserID })},
	{"STRATUS_API_LISTEN", stringVar(func(c *Config) *string { return &c.API.Listen })},
	{"STRATUS_LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"STRATUS_LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
}

// applyOverrides applies every STRATUS_* variable that is set.
func applyOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg.Telemetry == nil {
		cfg.Telemetry = Default().Telemetry
	}

	var errs ValidationErrors
	for _, o := range overrides {
		v, ok := lookup(o.key)
		if !ok {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			errs = append(errs, ValidationError{Field: o.key, Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate checks the given sections of cfg and the telemetry settings.
// No sections validates all of them.
func (l *Loader) Validate(cfg *Config, sections ...string) error {
	if len(sections) == 0 {
		sections = AllSections
	}

	var errs ValidationErrors
	for _, name := range sections {
		section, err := cfg.section(name)
		if err != nil {
			return err
		}
		errs = append(errs, l.validateSection(name, section)...)
	}

	for _, name := range sections {
		if name == SectionRunner && !cfg.Kubernetes.Enabled && !cfg.Agent.Enabled {
			errs = append(errs, ValidationError{
				Field:   "kubernetes.enabled",
				Message: "at least one executor backend must be enabled",
			})
		}
	}

	if cfg.Telemetry == nil {
		errs = append(errs, ValidationError{Field: "telemetry", Message: "missing"})
	} else if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (l *Loader) validateSection(name string, section any) ValidationErrors {
	err := l.validate.Struct(section)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Field: name, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "<StructType>.<field>"; swap the type for the section.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		msg := "failed " + fe.Tag() + " validation"
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		out = append(out, ValidationError{Field: name + "." + field, Message: msg})
	}
	return out
}

func (c *Config) section(name string) (any, error) {
	switch name {
	case SectionRunner:
		return &c.Runner, nil
	case SectionServer:
		return &c.Server, nil
	case SectionKubernetes:
		return &c.Kubernetes, nil
	case SectionAgent:
		return &c.Agent, nil
	case SectionStore:
		return &c.Store, nil
	case SectionPolicy:
		return &c.Policy, nil
	case SectionAuthz:
		return &c.Authz, nil
	case SectionAPI:
		return &c.API, nil
	default:
		return nil, fmt.Errorf("unknown config section %q", name)
	}
}
