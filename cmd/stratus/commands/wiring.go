package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	agentclient "github.com/stratus-paas/stratus/pkg/agent/client"
	"github.com/stratus-paas/stratus/pkg/client"
	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/engine"
	agentexec "github.com/stratus-paas/stratus/pkg/executor/agent"
	"github.com/stratus-paas/stratus/pkg/executor/kubernetes"
	"github.com/stratus-paas/stratus/pkg/policy"
	"github.com/stratus-paas/stratus/pkg/stores"
	"github.com/stratus-paas/stratus/pkg/telemetry"
	sshtransport "github.com/stratus-paas/stratus/pkg/transports/ssh"
)

func loadConfig(sections ...string) (*config.Config, error) {
	cfg, err := config.Load(configPath, sections...)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Strs("sections", sections).Msg("Configuration loaded")
	return cfg, nil
}

func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := *cfg.Telemetry
	tcfg.ServiceVersion = buildVersion
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	return tel, nil
}

// openStore opens the configured local store. It returns nil for driver none.
func openStore(ctx context.Context, cfg config.StoreConfig) (stores.ResourceStore, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return stores.OpenSQLiteStore(ctx, stores.Config{Path: cfg.Path, MaxOpenConns: cfg.MaxOpenConns})
	case config.StoreBadger:
		logger := log.Logger.With().Str("component", "badger").Logger()
		return stores.OpenBadgerStore(stores.BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: cfg.SyncWrites,
			GCInterval: cfg.GCInterval,
			Logger:     &logger,
		})
	case config.StoreNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newPolicyEngine(ctx context.Context, cfg *config.Config, watch bool) (*policy.Engine, error) {
	opts := []policy.Option{policy.WithRunnerID(cfg.Runner.RunnerID)}
	if !cfg.Policy.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	pe, err := policy.NewEngine(log.Logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) == 0 {
		return pe, nil
	}
	if watch {
		err = pe.Watch(ctx, cfg.Policy.Paths)
	} else {
		err = pe.LoadPolicies(ctx, cfg.Policy.Paths)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return pe, nil
}

func controlServerConfig(cfg *config.Config, logger *telemetry.Logger) client.Config {
	return client.Config{
		BaseURL:     cfg.Server.URL,
		StreamURL:   cfg.Server.StreamURL,
		WorkspaceID: cfg.WorkspaceUUID(),
		RunnerID:    cfg.RunnerUUID(),
		Token:       cfg.Server.Token,
		Timeout:     cfg.Server.Timeout,
		Logger:      logger,
	}
}

// runtime holds everything a runner needs besides the control server.
type runtime struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     stores.ResourceStore
	agent     *agentclient.Client
	policy    *policy.Engine
	executors []engine.Executor
}

// buildRuntime opens the store, starts the agent and builds one executor per
// kind. Kubernetes serves a kind when both backends offer it.
func buildRuntime(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, watchPolicies bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, tel: tel}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	rt.store = store

	var execs []engine.Executor
	if cfg.Kubernetes.Enabled {
		kc, err := kubernetes.NewClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			rt.Close()
			return nil, err
		}
		cluster := kubernetes.NewCluster(kc, kubernetes.Config{
			RunnerID:          cfg.RunnerUUID(),
			NamespacePrefix:   cfg.Kubernetes.NamespacePrefix,
			IngressClass:      cfg.Kubernetes.IngressClass,
			StaticSiteOrigin:  cfg.Kubernetes.StaticSiteOrigin,
			ImagePullSecret:   cfg.Kubernetes.ImagePullSecret,
			ReconcileInterval: cfg.Kubernetes.ReconcileInterval,
			PageSize:          cfg.Kubernetes.PageSize,
		}, tel.Logger)
		execs = cluster.Executors()
	}

	if cfg.Agent.Enabled {
		ac, err := agentclient.New(agentclient.Config{
			Transport:      agentTransport(cfg.Agent, cfg.Runner.RunnerID, tel.Logger),
			StartupTimeout: cfg.Agent.StartupTimeout,
			CommandTimeout: cfg.Agent.CommandTimeout,
			Logger:         tel.Logger,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := ac.Start(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to start agent: %w", err)
		}
		rt.agent = ac
		execs = mergeExecutors(execs, agentexec.Executors(ac, cfg.Agent.ReconcileInterval))
	}

	if rt.store != nil {
		for i, e := range execs {
			execs[i] = stores.NewTrackingExecutor(e, rt.store)
		}
	}
	rt.executors = execs

	if cfg.Policy.Enabled {
		pe, err := newPolicyEngine(ctx, cfg, watchPolicies)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.policy = pe
	}
	return rt, nil
}

// mergeExecutors appends the executors of extra whose kind primary lacks.
func mergeExecutors(primary, extra []engine.Executor) []engine.Executor {
	seen := make(map[engine.Kind]bool, len(primary))
	for _, e := range primary {
		seen[e.Kind()] = true
	}
	for _, e := range extra {
		if seen[e.Kind()] {
			log.Debug().Str("kind", string(e.Kind())).Msg("Kind served by Kubernetes, agent executor skipped")
			continue
		}
		seen[e.Kind()] = true
		primary = append(primary, e)
	}
	return primary
}

// engineOptions maps the runner section onto engine options, with the
// policy engine as admitter when enabled.
func (rt *runtime) engineOptions() engine.Options {
	opts := rt.cfg.EngineOptions()
	if rt.policy != nil {
		opts.Admitter = rt.policy
	}
	return opts
}

// agentTransport runs the agent as a child process, or on the configured
// docker host over SSH.
func agentTransport(cfg config.AgentConfig, runnerID string, logger *telemetry.Logger) agentclient.Transport {
	args := append([]string{"--runner-id", runnerID}, cfg.Args...)
	if cfg.SSH == nil {
		return &agentclient.ProcessTransport{Path: cfg.Path, Args: args, Stderr: os.Stderr}
	}

	remote := sshtransport.DefaultConfig(cfg.SSH.Host, cfg.SSH.User)
	if cfg.SSH.Port != 0 {
		remote.Port = cfg.SSH.Port
	}
	if cfg.SSH.Password != "" {
		remote.AuthMethod = sshtransport.AuthMethodPassword
		remote.Password = cfg.SSH.Password
	}
	remote.PrivateKeyPath = cfg.SSH.PrivateKeyPath
	remote.PrivateKeyPassphrase = cfg.SSH.PrivateKeyPassphrase
	if cfg.SSH.KnownHostsPath != "" {
		remote.KnownHostsPath = cfg.SSH.KnownHostsPath
	}
	remote.StrictHostKeyChecking = !cfg.SSH.InsecureIgnoreHostKey
	if cfg.SSH.ConnectTimeout > 0 {
		remote.ConnectionTimeout = cfg.SSH.ConnectTimeout
	}
	if cfg.SSH.KeepAliveInterval > 0 {
		remote.KeepAliveInterval = cfg.SSH.KeepAliveInterval
	}

	return &sshtransport.AgentTransport{
		Config:  remote,
		Command: sshtransport.Command(cfg.Path, args...),
		Stderr:  os.Stderr,
		Logger:  logger,
	}
}

// Close stops the agent and closes the store.
func (rt *runtime) Close() {
	var errs []error
	if rt.agent != nil {
		errs = append(errs, rt.agent.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to release runtime")
	}
}
