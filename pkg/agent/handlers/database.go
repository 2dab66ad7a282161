package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/agent/protocol"
	"github.com/stratus-paas/stratus/pkg/engine"
)

// databaseImage describes how one database engine runs under docker.
type databaseImage struct {
	image          string
	defaultVersion string
	port           int
	dataPath       string
	passwordEnv    string
	args           []string
}

var databaseImages = map[engine.DatabaseEngine]databaseImage{
	engine.DatabaseEnginePostgres: {
		image:          "postgres",
		defaultVersion: "16",
		port:           5432,
		dataPath:       "/var/lib/postgresql/data",
		passwordEnv:    "POSTGRES_PASSWORD",
	},
	engine.DatabaseEngineMySQL: {
		image:          "mysql",
		defaultVersion: "8.4",
		port:           3306,
		dataPath:       "/var/lib/mysql",
		passwordEnv:    "MYSQL_ROOT_PASSWORD",
	},
	engine.DatabaseEngineRedis: {
		image:          "redis",
		defaultVersion: "7",
		port:           6379,
		dataPath:       "/data",
		passwordEnv:    "REDIS_PASSWORD",
		args:           []string{"sh", "-c", `exec redis-server --requirepass "$REDIS_PASSWORD" --appendonly yes`},
	},
}

// DataVolumeName returns the named docker volume holding a database's data.
// It outlives the container.
func DataVolumeName(id uuid.UUID) string {
	return "stratus-data-" + id.String()
}

func (h *ResourceHandler) upsertDatabase(ctx context.Context, r *engine.Resource, eventCh chan<- *protocol.EventMessage) (*protocol.UpsertResult, error) {
	spec := r.Database
	img, ok := databaseImages[spec.Engine]
	if !ok {
		return nil, &CommandError{Code: engine.ErrCodeValidation, Message: fmt.Sprintf("unsupported database engine %q", spec.Engine)}
	}
	if h.dataDir == "" {
		return nil, &CommandError{Code: engine.ErrCodeValidation, Message: "databases need an agent data dir"}
	}
	logger := h.logger.WithResource(string(r.Kind), r.ID.String())

	existing, err := h.containers(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	hash, err := specHash(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to hash spec: %w", err)
	}
	if len(existing) == 1 && existing[0].Hash == hash && existing[0].State == "running" {
		return &protocol.UpsertResult{Action: "unchanged"}, nil
	}

	password, err := h.databasePassword(r.ID)
	if err != nil {
		return nil, err
	}

	version := spec.Version
	if version == "" {
		version = img.defaultVersion
	}
	image := img.image + ":" + version

	args := append(h.labelArgs(r, hash),
		"-p", fmt.Sprintf("127.0.0.1::%d", img.port),
		"-e", img.passwordEnv+"="+password,
		"-v", DataVolumeName(r.ID)+":"+img.dataPath,
	)
	if spec.Plan.CPUCount > 0 {
		args = append(args, "--cpus", strconv.Itoa(spec.Plan.CPUCount))
	}
	if spec.Plan.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(spec.Plan.MemoryMB)+"m")
	}
	args = append(args, image)
	args = append(args, img.args...)

	if len(existing) > 0 {
		emit(eventCh, "info", "replacing container "+ContainerName(r.ID))
		if err := h.removeContainers(ctx, existing); err != nil {
			return nil, err
		}
	}

	emit(eventCh, "info", "starting "+image)
	if _, err := h.docker.Run(ctx, args...); err != nil {
		return nil, err
	}
	logger.Infof("database container started from %s", image)

	action := "created"
	if len(existing) > 0 {
		action = "replaced"
	}
	return &protocol.UpsertResult{Changed: true, Action: action}, nil
}

// databasePassword returns the stored password of a database, generating it
// on first use. Credentials are kept as long as the data volume.
func (h *ResourceHandler) databasePassword(id uuid.UUID) (string, error) {
	dir := filepath.Join(h.dataDir, "credentials")
	path := filepath.Join(dir, id.String())

	b, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read database credentials: %w", err)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	password := hex.EncodeToString(buf)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create credentials dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(password), 0o600); err != nil {
		return "", fmt.Errorf("failed to write database credentials: %w", err)
	}
	return password, nil
}
