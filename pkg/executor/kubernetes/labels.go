package kubernetes

import (
	"maps"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// Label keys stamped on every object the runner owns.
const (
	LabelResourceID  = "stratus.dev/resource-id"
	LabelWorkspaceID = "stratus.dev/workspace-id"
	LabelRunner      = "stratus.dev/runner"
	LabelKind        = "stratus.dev/kind"

	// LabelAppManagedBy is the standard label key for the tool managing the object.
	LabelAppManagedBy = "app.kubernetes.io/managed-by"

	// ManagedBy identifies the runner.
	ManagedBy = "stratus-runner"
)

// Annotation keys.
const (
	// AnnotationConfigHash carries the SHA-512 of the config mounts on the pod
	// template, so a config change rolls the pods.
	AnnotationConfigHash = "stratus.dev/config-hash"

	// AnnotationUploadID records the static site upload being served.
	AnnotationUploadID = "stratus.dev/upload-id"
)

// BuildLabels returns the labels of every object belonging to r.
func BuildLabels(r *engine.Resource) map[string]string {
	return map[string]string{
		LabelResourceID:   r.ID.String(),
		LabelWorkspaceID:  r.WorkspaceID.String(),
		LabelRunner:       r.RunnerID.String(),
		LabelKind:         string(r.Kind),
		LabelAppManagedBy: ManagedBy,
	}
}

// SelectorLabels returns the pod selector of r. It must stay stable for the
// life of the resource.
func SelectorLabels(r *engine.Resource) map[string]string {
	return map[string]string{
		LabelResourceID: r.ID.String(),
	}
}

// MergeLabels merges label maps, later maps winning.
func MergeLabels(sets ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}

// Namespace returns the namespace of a workspace.
func Namespace(prefix string, workspaceID uuid.UUID) string {
	return prefix + workspaceID.String()
}

// Object names.
func deploymentName(id uuid.UUID) string { return "deployment-" + id.String() }
func serviceName(id uuid.UUID) string    { return "service-" + id.String() }
func hpaName(id uuid.UUID) string        { return "hpa-" + id.String() }
func configMapName(id uuid.UUID) string  { return "config-mount-" + id.String() }
func staticSiteName(id uuid.UUID) string { return "static-site-" + id.String() }
func databaseName(id uuid.UUID) string   { return "database-" + id.String() }
func managedURLName(id uuid.UUID) string { return "managed-url-" + id.String() }
func pvcName(id uuid.UUID) string        { return "pvc-" + id.String() }
func secretName(id uuid.UUID) string     { return "secret-" + id.String() }

func databaseSecretName(id uuid.UUID) string { return databaseName(id) + "-credentials" }
