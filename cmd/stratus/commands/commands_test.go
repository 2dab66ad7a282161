package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentclient "github.com/stratus-paas/stratus/pkg/agent/client"
	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/rbac"
	"github.com/stratus-paas/stratus/pkg/stores"
	sshtransport "github.com/stratus-paas/stratus/pkg/transports/ssh"
)

const (
	testWorkspace = "6f1c1b8e-2a57-4a4e-9b1d-0c9f3f0a2d11"
	testRunner    = "0b8e7d52-94f3-4c5e-8f0e-5a1f2b3c4d5e"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runnerConfig(t *testing.T, dir string) string {
	t.Helper()
	return writeFile(t, dir, "runner.yaml", `
runner:
  workspace_id: `+testWorkspace+`
  runner_id: `+testRunner+`
server:
  url: https://api.stratus.test
kubernetes:
  enabled: true
store:
  driver: sqlite
  path: `+filepath.Join(dir, "stratus.db")+`
`)
}

func authzConfig(t *testing.T, dir string) string {
	t.Helper()
	fixture, err := filepath.Abs("../../../pkg/rbac/testdata/fixture.yaml")
	require.NoError(t, err)
	return writeFile(t, dir, "authz.yaml", `
authz:
  source: static
  fixture_path: `+fixture+`
`)
}

func deployment() *engine.Resource {
	return &engine.Resource{
		ID:          uuid.New(),
		Kind:        engine.KindDeployment,
		WorkspaceID: uuid.MustParse(testWorkspace),
		RunnerID:    uuid.MustParse(testRunner),
		Name:        "api",
		Deployment: &engine.DeploymentSpec{
			ImageName:          "acme/api",
			ImageTag:           "v1.2.3",
			MachineType:        engine.MachineType{ID: uuid.New(), CPUCount: 1, MemoryMB: 512},
			MinHorizontalScale: 1,
			MaxHorizontalScale: 3,
			Ports:              map[uint16]engine.PortType{8080: engine.PortTypeHTTP},
			StartupProbe:       &engine.Probe{Port: 8080, Path: "/healthz"},
		},
	}
}

func writeResource(t *testing.T, dir, name string, r *engine.Resource) string {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return writeFile(t, dir, name, string(b))
}

func TestValidate_Config(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "validate", "-c", runnerConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")

	out, err = execute(t, "validate", "--authz", "-c", authzConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")

	_, err = execute(t, "validate", "-c", authzConfig(t, dir))
	assert.Error(t, err, "an authz-only config is not a valid runner config")
}

func TestValidate_Resources(t *testing.T) {
	dir := t.TempDir()
	cfg := runnerConfig(t, dir)

	good := writeResource(t, dir, "good.json", deployment())

	scaled := deployment()
	scaled.Deployment.MinHorizontalScale = 5
	bad := writeResource(t, dir, "bad.json", scaled)

	out, err := execute(t, "validate", "-c", cfg, good)
	require.NoError(t, err)
	assert.Contains(t, out, "good.json: OK")

	out, err = execute(t, "validate", "-c", cfg, "--json", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 resources are invalid")

	var reports []resourceReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Valid)
	assert.False(t, reports[1].Valid)
	assert.NotEmpty(t, reports[1].Errors)
}

func TestValidate_UnknownResourceField(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "odd.json", `{"id":"`+uuid.NewString()+`","kind":"deployment","replicas":3}`)

	out, err := execute(t, "validate", "-c", runnerConfig(t, dir), path)
	require.Error(t, err)
	assert.Contains(t, out, "replicas")
}

func TestStoreMigrateAndList(t *testing.T) {
	dir := t.TempDir()
	cfg := runnerConfig(t, dir)

	out, err := execute(t, "store", "migrate", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")

	out, err = execute(t, "store", "list", "-c", cfg, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	ctx := context.Background()
	store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: filepath.Join(dir, "stratus.db")})
	require.NoError(t, err)
	r := deployment()
	require.NoError(t, store.Put(ctx, r))
	require.NoError(t, store.Close())

	out, err = execute(t, "store", "list", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, r.ID.String())

	out, err = execute(t, "store", "list", "-c", cfg, "--kind", "database", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = execute(t, "store", "list", "-c", cfg, "--kind", "vm")
	assert.Error(t, err)
}

func TestAuthzCheck(t *testing.T) {
	cfg := authzConfig(t, t.TempDir())
	args := func(resource string) []string {
		return []string{
			"authz", "check", "-c", cfg,
			"--user", "0b7d2c3e-0000-4000-8000-0000000000de",
			"--workspace", "0b7d2c3e-0000-4000-8000-00000000000a",
			"--permission", rbac.PermDeploymentEdit,
			"--resource", resource,
		}
	}

	out, err := execute(t, args("0b7d2c3e-0000-4000-8000-0000000000d1")...)
	require.NoError(t, err)
	assert.Equal(t, "allowed: granted\n", out)

	out, err = execute(t, append(args("0b7d2c3e-0000-4000-8000-0000000000d2"), "--json")...)
	assert.ErrorIs(t, err, errDenied)
	var decision rbac.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &decision))
	assert.False(t, decision.Allowed)
	assert.Equal(t, "not granted", decision.Reason)

	_, err = execute(t, args("not-a-uuid")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --resource")
}

func TestPolicyListAndTest(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "policy", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"image-tag"`)

	good := writeResource(t, dir, "good.json", deployment())
	untagged := deployment()
	untagged.Deployment.ImageTag = ""
	bad := writeResource(t, dir, "bad.json", untagged)

	out, err = execute(t, "policy", "test", good)
	require.NoError(t, err)
	assert.Contains(t, out, "good.json: allowed")

	out, err = execute(t, "policy", "test", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 resources denied")
	assert.Contains(t, out, "bad.json: denied")
	assert.Contains(t, out, "image-tag [error]")
}

type kindExecutor struct{ kind engine.Kind }

func (e kindExecutor) Kind() engine.Kind { return e.kind }
func (e kindExecutor) FullReconciliationInterval() time.Duration { return 0 }
func (e kindExecutor) Upsert(context.Context, *engine.Resource) error { return nil }
func (e kindExecutor) Delete(context.Context, uuid.UUID) error { return nil }
func (e kindExecutor) ListRunning(context.Context) iter.Seq2[uuid.UUID, error] {
	return func(func(uuid.UUID, error) bool) {}
}

func TestMergeExecutors(t *testing.T) {
	k8s := []engine.Executor{
		kindExecutor{engine.KindDeployment},
		kindExecutor{engine.KindManagedURL},
	}
	agent := []engine.Executor{
		kindExecutor{engine.KindDeployment},
		kindExecutor{engine.KindDatabase},
	}

	merged := mergeExecutors(k8s, agent)
	kinds := make([]engine.Kind, 0, len(merged))
	for _, e := range merged {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []engine.Kind{engine.KindDeployment, engine.KindManagedURL, engine.KindDatabase}, kinds)
	assert.Len(t, mergeExecutors(nil, agent), 2)
}

func TestAgentTransport(t *testing.T) {
	local := agentTransport(config.AgentConfig{Path: "/usr/bin/stratus-agent", Args: []string{"--data-dir", "/srv"}}, testRunner, nil)
	proc, ok := local.(*agentclient.ProcessTransport)
	require.True(t, ok, "no ssh section runs the agent locally")
	assert.Equal(t, []string{"--runner-id", testRunner, "--data-dir", "/srv"}, proc.Args)

	remote := agentTransport(config.AgentConfig{
		Path: "stratus-agent",
		Args: []string{"--data-dir", "/var/lib/stratus data"},
		SSH: &config.AgentSSHConfig{
			Host:                  "docker-01.internal",
			Port:                  2222,
			User:                  "stratus",
			Password:              "secret",
			InsecureIgnoreHostKey: true,
		},
	}, testRunner, nil)
	tr, ok := remote.(*sshtransport.AgentTransport)
	require.True(t, ok)
	assert.Equal(t, "docker-01.internal:2222", tr.Config.Address())
	assert.Equal(t, sshtransport.AuthMethodPassword, tr.Config.AuthMethod)
	assert.False(t, tr.Config.StrictHostKeyChecking)
	assert.Equal(t, "stratus-agent --runner-id "+testRunner+" --data-dir '/var/lib/stratus data'", tr.Command)
}
