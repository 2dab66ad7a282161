package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// Built-in schema names.
const (
	SchemaConfig   = "config"
	SchemaResource = "resource"
)

// SchemaRegistry manages CUE schemas for validation. Every value it checks
// must be compiled by its context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-ins are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaResource, "#Resource", builtinResourceSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles a CUE schema and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, src string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile compiles CUE source with the registry's context.
func (sr *SchemaRegistry) Compile(filename string, src []byte) (cue.Value, error) {
	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// Unify validates val against a named schema and returns the unified,
// concrete value.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	def, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}

// ValidateAgainstSchema validates any JSON-encodable value against a named
// schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	val, err := sr.Compile(schemaName+".json", raw)
	if err != nil {
		return err
	}
	_, err = sr.Unify(schemaName, val)
	return err
}

// ValidateResource validates a desired resource against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, r *engine.Resource) error {
	return sr.ValidateAgainstSchema(ctx, SchemaResource, r)
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{Message: fmt.Sprintf(format, args...)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Field = cue.MakePath(selectors(path)...).String()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}

func selectors(path []string) []cue.Selector {
	sels := make([]cue.Selector, 0, len(path))
	for _, p := range path {
		sels = append(sels, cue.Str(p))
	}
	return sels
}

const builtinConfigSchema = `
#UUID:     =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | int

#Config: {
	runner?: {
		workspace_id?:        #UUID
		runner_id?:           #UUID
		failure_policy?:      "best_effort" | "fail_fast"
		resync_interval?:     #Duration
		executor_timeout?:    #Duration
		default_retry_delay?: #Duration
		reconnect_delay?:     #Duration
	}
	server?: {
		url?:          =~"^https?://"
		stream_url?:   =~"^wss?://"
		token?:        string
		timeout?:      #Duration
		report_rate?:  number & >=0
		report_burst?: int & >=0
	}
	kubernetes?: {
		enabled?:            bool
		kubeconfig?:         string
		namespace_prefix?:   =~"^[a-z0-9-]*$"
		ingress_class?:      string
		static_site_origin?: string
		image_pull_secret?:  string
		reconcile_interval?: #Duration
		page_size?:          int & >0
	}
	agent?: {
		enabled?:            bool
		path?:               string
		args?: [...string]
		startup_timeout?:    #Duration
		command_timeout?:    #Duration
		reconcile_interval?: #Duration
		ssh?: {
			host:                      string & !=""
			port?:                     int & >=0 & <=65535
			user:                      string & !=""
			password?:                 string
			private_key_path?:         string
			private_key_passphrase?:   string
			known_hosts_path?:         string
			insecure_ignore_host_key?: bool
			connect_timeout?:          #Duration
			keep_alive_interval?:      #Duration
		}
	}
	store?: {
		driver?:         "sqlite" | "badger" | "none"
		path?:           string
		max_open_conns?: int & >=0
		sync_writes?:    bool
		gc_interval?:    #Duration
	}
	policy?: {
		enabled?:  bool
		paths?: [...string]
		watch?:    bool
		builtins?: bool
	}
	authz?: {
		source?:       "postgres" | "static"
		dsn?:          string
		max_conns?:    int & >0
		fixture_path?: string
		god_user_id?:  #UUID
		cache_ttl?:    #Duration
	}
	api?: {
		enabled?:      bool
		listen?:       string
		release_mode?: bool
	}
	telemetry?: {...}
}
`

const builtinResourceSchema = `
#UUID: =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"

#Port: int & >=1 & <=65535

#Probe: {
	port: #Port
	path: string
}

#Deployment: {
	registry?:  string
	image_name: string & !=""
	image_tag:  string
	image_digest?: =~"^sha256:[0-9a-f]{64}$"
	machine_type: {
		id:        #UUID
		cpu_count: int & >=1
		memory_mb: int & >=128
	}
	deploy_on_push:       bool
	min_horizontal_scale: int & >=0
	max_horizontal_scale: int & >=min_horizontal_scale & <=256
	ports: null | {[=~"^[0-9]+$"]: "tcp" | "udp" | "http"}
	environment_variables?: {[string]: {value?: string, secret_id?: #UUID}}
	startup_probe?:  #Probe
	liveness_probe?: #Probe
	config_mounts?: {[string]: string}
	volumes?: {[#UUID]: {path: =~"^/", size_gb: int & >=1}}
}

#StaticSite: {
	upload_id: #UUID
	bucket:    string
}

#Database: {
	engine:  "postgres" | "mysql" | "redis"
	version: string
	plan: {
		cpu_count: int & >=1
		memory_mb: int & >=1
		volume_gb: int & >=1
	}
}

#ManagedURL: {
	sub_domain: string
	domain:     string & !=""
	path:       string
	target:     "proxy_deployment" | "proxy_static_site" | "proxy_url" | "redirect"
	if target == "proxy_deployment" {
		deployment_id: #UUID
		port:          #Port
	}
	if target == "proxy_static_site" {
		static_site_id: #UUID
	}
	if target == "proxy_url" || target == "redirect" {
		url: string & !=""
	}
	deployment_id?:      #UUID
	port?:               int
	static_site_id?:     #UUID
	url?:                string
	permanent_redirect?: bool
}

#Resource: {
	id:           #UUID
	kind:         "deployment" | "static_site" | "database" | "managed_url"
	workspace_id: #UUID
	runner_id:    #UUID
	name:         string & !=""
	status?:      "created" | "deploying" | "running" | "stopped" | "errored" | "unreachable"

	if kind == "deployment" {deployment: #Deployment}
	if kind == "static_site" {static_site: #StaticSite}
	if kind == "database" {database: #Database}
	if kind == "managed_url" {managed_url: #ManagedURL}

	deployment?:  #Deployment
	static_site?: #StaticSite
	database?:    #Database
	managed_url?: #ManagedURL
}
`
