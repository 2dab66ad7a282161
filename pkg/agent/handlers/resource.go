package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/agent/protocol"
	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Container labels. They mirror the Kubernetes executor's labels.
const (
	LabelResourceID  = "stratus.dev/resource-id"
	LabelWorkspaceID = "stratus.dev/workspace-id"
	LabelRunner      = "stratus.dev/runner"
	LabelKind        = "stratus.dev/kind"
	LabelSpecHash    = "stratus.dev/spec-hash"
)

// SupportedKinds are the kinds the agent runs.
var SupportedKinds = []engine.Kind{engine.KindDeployment, engine.KindDatabase}

func supported(kind engine.Kind) bool {
	return kind == engine.KindDeployment || kind == engine.KindDatabase
}

// CommandError is a handler failure with a protocol error code.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

func unsupported(kind engine.Kind) error {
	return &CommandError{Code: engine.ErrCodeUnsupportedKind, Message: fmt.Sprintf("kind %s is not run by the agent", kind)}
}

// ResourceHandler runs deployments and databases as docker containers.
type ResourceHandler struct {
	docker   Docker
	runnerID uuid.UUID
	dataDir  string
	logger   *telemetry.Logger
}

// NewResourceHandler creates a handler. Config mounts are written under dataDir.
func NewResourceHandler(docker Docker, runnerID uuid.UUID, dataDir string, logger *telemetry.Logger) *ResourceHandler {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ResourceHandler{
		docker:   docker,
		runnerID: runnerID,
		dataDir:  dataDir,
		logger:   logger.NewComponentLogger("docker"),
	}
}

// ContainerName returns the container of a resource.
func ContainerName(id uuid.UUID) string {
	return "stratus-" + id.String()
}

// SpecHash returns the hash stamped on a deployment's container. A container
// whose hash matches the desired spec is left alone.
func SpecHash(spec *engine.DeploymentSpec) (string, error) {
	return specHash(spec)
}

func specHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type container struct {
	ID    string
	State string
	Hash  string
}

// containers lists the containers labelled with the resource id.
func (h *ResourceHandler) containers(ctx context.Context, id uuid.UUID) ([]container, error) {
	out, err := h.docker.Run(ctx, "ps", "-a",
		"--filter", "label="+LabelResourceID+"="+id.String(),
		"--format", `{{.ID}}\t{{.State}}\t{{.Label "`+LabelSpecHash+`"}}`,
	)
	if err != nil {
		return nil, err
	}
	var result []container
	for _, l := range lines(out) {
		fields := strings.Split(l, "\t")
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		result = append(result, container{ID: fields[0], State: fields[1], Hash: fields[2]})
	}
	return result, nil
}

func (h *ResourceHandler) removeContainers(ctx context.Context, cs []container) error {
	if len(cs) == 0 {
		return nil
	}
	args := []string{"rm", "-f"}
	for _, c := range cs {
		args = append(args, c.ID)
	}
	_, err := h.docker.Run(ctx, args...)
	return err
}

// Upsert makes the container of a resource match its spec.
func (h *ResourceHandler) Upsert(ctx context.Context, params *protocol.UpsertParams, eventCh chan<- *protocol.EventMessage) (*protocol.UpsertResult, error) {
	r := params.Resource
	if r == nil {
		return nil, &CommandError{Code: engine.ErrCodeValidation, Message: "resource is required"}
	}
	if !supported(r.Kind) {
		return nil, unsupported(r.Kind)
	}
	if err := r.Validate(); err != nil {
		return nil, &CommandError{Code: engine.ErrCodeValidation, Message: err.Error()}
	}
	if r.Kind == engine.KindDatabase {
		return h.upsertDatabase(ctx, r, eventCh)
	}
	return h.upsertDeployment(ctx, r, eventCh)
}

func (h *ResourceHandler) upsertDeployment(ctx context.Context, r *engine.Resource, eventCh chan<- *protocol.EventMessage) (*protocol.UpsertResult, error) {
	spec := r.Deployment
	logger := h.logger.WithResource(string(r.Kind), r.ID.String())

	existing, err := h.containers(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	if spec.MaxHorizontalScale == 0 {
		if err := h.removeContainers(ctx, existing); err != nil {
			return nil, err
		}
		return &protocol.UpsertResult{Changed: len(existing) > 0, Action: "stopped"}, nil
	}

	hash, err := SpecHash(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to hash spec: %w", err)
	}
	if len(existing) == 1 && existing[0].Hash == hash && existing[0].State == "running" {
		return &protocol.UpsertResult{Action: "unchanged"}, nil
	}

	args, err := h.runArgs(r, hash)
	if err != nil {
		return nil, err
	}

	if len(existing) > 0 {
		emit(eventCh, "info", "replacing container "+ContainerName(r.ID))
		if err := h.removeContainers(ctx, existing); err != nil {
			return nil, err
		}
	}

	emit(eventCh, "info", "starting "+spec.Image())
	if _, err := h.docker.Run(ctx, args...); err != nil {
		return nil, err
	}
	logger.Infof("container started from %s", spec.Image())

	action := "created"
	if len(existing) > 0 {
		action = "replaced"
	}
	return &protocol.UpsertResult{Changed: true, Action: action}, nil
}

// runArgs builds the docker run invocation of a deployment.
func (h *ResourceHandler) runArgs(r *engine.Resource, hash string) ([]string, error) {
	spec := r.Deployment
	args := h.labelArgs(r, hash)

	if spec.MachineType.CPUCount > 0 {
		args = append(args, "--cpus", strconv.Itoa(spec.MachineType.CPUCount))
	}
	if spec.MachineType.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(spec.MachineType.MemoryMB)+"m")
	}

	for _, p := range spec.SortedPorts() {
		mapping := fmt.Sprintf("%d:%d", p, p)
		if spec.Ports[p] == engine.PortTypeUDP {
			mapping += "/udp"
		}
		args = append(args, "-p", mapping)
	}

	names := make([]string, 0, len(spec.EnvironmentVariables))
	for n := range spec.EnvironmentVariables {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := spec.EnvironmentVariables[n]
		if v.SecretID != nil {
			return nil, &CommandError{
				Code:    engine.ErrCodeValidation,
				Message: fmt.Sprintf("environment variable %s references a secret, which the agent cannot resolve", n),
			}
		}
		args = append(args, "-e", n+"="+v.Value)
	}

	if len(spec.ConfigMounts) > 0 {
		dir, err := h.writeConfigMounts(r.ID, spec.ConfigMounts)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(spec.ConfigMounts))
		for p := range spec.ConfigMounts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			args = append(args, "-v", filepath.Join(dir, configFileName(p))+":"+p+":ro")
		}
	}

	volumeIDs := make([]uuid.UUID, 0, len(spec.Volumes))
	for id := range spec.Volumes {
		volumeIDs = append(volumeIDs, id)
	}
	sort.Slice(volumeIDs, func(i, j int) bool { return volumeIDs[i].String() < volumeIDs[j].String() })
	for _, id := range volumeIDs {
		args = append(args, "-v", "stratus-"+id.String()+":"+spec.Volumes[id].Path)
	}

	return append(args, spec.Image()), nil
}

// labelArgs starts a detached docker run of the resource's container.
func (h *ResourceHandler) labelArgs(r *engine.Resource, hash string) []string {
	return []string{
		"run", "-d",
		"--name", ContainerName(r.ID),
		"--restart", "unless-stopped",
		"--label", LabelResourceID + "=" + r.ID.String(),
		"--label", LabelWorkspaceID + "=" + r.WorkspaceID.String(),
		"--label", LabelRunner + "=" + h.runnerID.String(),
		"--label", LabelKind + "=" + string(r.Kind),
		"--label", LabelSpecHash + "=" + hash,
	}
}

func configFileName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// writeConfigMounts writes each config mount to a file under the data dir and
// returns the directory.
func (h *ResourceHandler) writeConfigMounts(id uuid.UUID, mounts map[string][]byte) (string, error) {
	if h.dataDir == "" {
		return "", &CommandError{Code: engine.ErrCodeValidation, Message: "config mounts need an agent data dir"}
	}
	dir := filepath.Join(h.dataDir, id.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	for path, content := range mounts {
		if err := os.WriteFile(filepath.Join(dir, configFileName(path)), content, 0o640); err != nil {
			return "", fmt.Errorf("failed to write config mount %s: %w", path, err)
		}
	}
	return dir, nil
}

// Delete removes the containers and config files of a resource. Database
// volumes and credentials are left behind.
func (h *ResourceHandler) Delete(ctx context.Context, params *protocol.DeleteParams) (*protocol.DeleteResult, error) {
	if !supported(params.Kind) {
		return nil, unsupported(params.Kind)
	}
	existing, err := h.containers(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if err := h.removeContainers(ctx, existing); err != nil {
		return nil, err
	}
	if h.dataDir != "" {
		if err := os.RemoveAll(filepath.Join(h.dataDir, params.ID.String())); err != nil {
			return nil, fmt.Errorf("failed to remove config dir: %w", err)
		}
	}
	return &protocol.DeleteResult{Removed: len(existing)}, nil
}

// List returns the IDs of the resources of a kind with a container owned by
// this runner.
func (h *ResourceHandler) List(ctx context.Context, params *protocol.ListParams) (*protocol.ListResult, error) {
	if !supported(params.Kind) {
		return nil, unsupported(params.Kind)
	}
	out, err := h.docker.Run(ctx, "ps", "-a",
		"--filter", "label="+LabelRunner+"="+h.runnerID.String(),
		"--filter", "label="+LabelKind+"="+string(params.Kind),
		"--format", `{{.Label "`+LabelResourceID+`"}}`,
	)
	if err != nil {
		return nil, err
	}

	result := &protocol.ListResult{IDs: []uuid.UUID{}}
	seen := make(map[uuid.UUID]struct{})
	for _, l := range lines(out) {
		id, err := uuid.Parse(l)
		if err != nil {
			h.logger.Warnf("ignoring container with resource label %q", l)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result.IDs = append(result.IDs, id)
	}
	return result, nil
}

func emit(eventCh chan<- *protocol.EventMessage, level, msg string) {
	if eventCh == nil {
		return
	}
	select {
	case eventCh <- &protocol.EventMessage{Level: level, Message: msg}:
	default:
	}
}
