// Package config loads the runner and permission service configuration.
//
// # Sources
//
// A configuration is built in layers, later layers winning:
//
//  1. Default() values
//  2. one file: YAML (.yaml, .yml), JSON (.json) or CUE (.cue)
//  3. .env.local and .env (read with godotenv, never exported to the process)
//  4. STRATUS_* process environment variables
//
// YAML and JSON files are decoded strictly; an unknown key is an error. CUE
// files are first unified with the built-in #Config schema, so constraint
// violations are reported with file positions before decoding.
//
// # Validation
//
// After layering, the sections a command needs are validated with
// go-playground/validator. The runner validates RunnerSections, the
// permission service AuthzSections:
//
//	cfg, err := config.Load(path, config.RunnerSections...)
//	if err != nil {
//	    return err
//	}
//	runner, err := engine.NewRunner(server, dialer, executors, tel, cfg.EngineOptions())
//
// Every failure is returned as ValidationErrors.
//
// # CUE Example
//
//	runner: {
//	    workspace_id:    "6f1c1b8e-2a57-4a4e-9b1d-0c9f3f0a2d11"
//	    runner_id:       "0b8e7d52-94f3-4c5e-8f0e-5a1f2b3c4d5e"
//	    failure_policy:  "best_effort"
//	    resync_interval: "10m"
//	}
//	server: url: "https://api.stratus.dev"
//	kubernetes: enabled: true
//	store: {
//	    driver: "sqlite"
//	    path:   "/var/lib/stratus/stratus.db"
//	}
//
// # Environment Overrides
//
//	STRATUS_WORKSPACE_ID, STRATUS_RUNNER_ID, STRATUS_FAILURE_POLICY,
//	STRATUS_RESYNC_INTERVAL, STRATUS_SERVER_URL, STRATUS_SERVER_TOKEN,
//	STRATUS_STREAM_URL, STRATUS_KUBERNETES_ENABLED, STRATUS_KUBECONFIG,
//	STRATUS_AGENT_ENABLED, STRATUS_AGENT_PATH, STRATUS_STORE_DRIVER,
//	STRATUS_STORE_PATH, STRATUS_POLICY_PATHS (comma separated),
//	STRATUS_AUTHZ_SOURCE, STRATUS_AUTHZ_POSTGRES_URL, STRATUS_AUTHZ_FIXTURE,
//	STRATUS_AUTHZ_GOD_USER_ID, STRATUS_API_LISTEN, STRATUS_LOG_LEVEL,
//	STRATUS_LOG_FORMAT
//
// # Resource Schema
//
// SchemaRegistry also carries a #Resource schema that desired resources can
// be checked against offline, as `stratus validate` does.
package config
