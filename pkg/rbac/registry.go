package rbac

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// Resource type names.
const (
	ResourceTypeWorkspace       = "workspace"
	ResourceTypeDeployment      = "deployment"
	ResourceTypeStaticSite      = "staticSite"
	ResourceTypeManagedDatabase = "managedDatabase"
	ResourceTypeManagedURL      = "managedUrl"
	ResourceTypeSecret          = "secret"
	ResourceTypeDomain          = "domain"
	ResourceTypeRunner          = "runner"
)

// Permission names.
const (
	PermWorkspaceEdit   = "workspace::edit"
	PermWorkspaceDelete = "workspace::delete"

	PermDeploymentCreate = "workspace::infrastructure::deployment::create"
	PermDeploymentInfo   = "workspace::infrastructure::deployment::info"
	PermDeploymentEdit   = "workspace::infrastructure::deployment::edit"
	PermDeploymentDelete = "workspace::infrastructure::deployment::delete"

	PermStaticSiteCreate = "workspace::infrastructure::staticSite::create"
	PermStaticSiteInfo   = "workspace::infrastructure::staticSite::info"
	PermStaticSiteEdit   = "workspace::infrastructure::staticSite::edit"
	PermStaticSiteDelete = "workspace::infrastructure::staticSite::delete"

	PermDatabaseCreate = "workspace::infrastructure::managedDatabase::create"
	PermDatabaseInfo   = "workspace::infrastructure::managedDatabase::info"
	PermDatabaseDelete = "workspace::infrastructure::managedDatabase::delete"

	PermManagedURLCreate = "workspace::infrastructure::managedUrl::create"
	PermManagedURLInfo   = "workspace::infrastructure::managedUrl::info"
	PermManagedURLEdit   = "workspace::infrastructure::managedUrl::edit"
	PermManagedURLDelete = "workspace::infrastructure::managedUrl::delete"

	PermSecretCreate = "workspace::secret::create"
	PermSecretInfo   = "workspace::secret::info"
	PermSecretEdit   = "workspace::secret::edit"
	PermSecretDelete = "workspace::secret::delete"

	PermRunnerCreate = "workspace::runner::create"
	PermRunnerInfo   = "workspace::runner::info"
	PermRunnerDelete = "workspace::runner::delete"
)

// ResourceTypeNames lists every known resource type.
var ResourceTypeNames = []string{
	ResourceTypeWorkspace,
	ResourceTypeDeployment,
	ResourceTypeStaticSite,
	ResourceTypeManagedDatabase,
	ResourceTypeManagedURL,
	ResourceTypeSecret,
	ResourceTypeDomain,
	ResourceTypeRunner,
}

// PermissionNames lists every known permission.
var PermissionNames = []string{
	PermWorkspaceEdit, PermWorkspaceDelete,
	PermDeploymentCreate, PermDeploymentInfo, PermDeploymentEdit, PermDeploymentDelete,
	PermStaticSiteCreate, PermStaticSiteInfo, PermStaticSiteEdit, PermStaticSiteDelete,
	PermDatabaseCreate, PermDatabaseInfo, PermDatabaseDelete,
	PermManagedURLCreate, PermManagedURLInfo, PermManagedURLEdit, PermManagedURLDelete,
	PermSecretCreate, PermSecretInfo, PermSecretEdit, PermSecretDelete,
	PermRunnerCreate, PermRunnerInfo, PermRunnerDelete,
}

// ResourceTypeForKind returns the resource type name of a runner resource kind.
func ResourceTypeForKind(kind engine.Kind) (string, error) {
	switch kind {
	case engine.KindDeployment:
		return ResourceTypeDeployment, nil
	case engine.KindStaticSite:
		return ResourceTypeStaticSite, nil
	case engine.KindDatabase:
		return ResourceTypeManagedDatabase, nil
	case engine.KindManagedURL:
		return ResourceTypeManagedURL, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}
}

// Registry resolves permission and resource type names to their IDs.
// It is built once at startup and shared read-only.
type Registry struct {
	// GodUserID is allowed every action in every workspace. uuid.Nil disables it.
	GodUserID uuid.UUID

	resourceTypes map[string]uuid.UUID
	permissions   map[string]uuid.UUID
}

// NewRegistry builds a registry from name to ID maps.
func NewRegistry(godUserID uuid.UUID, resourceTypes, permissions map[string]uuid.UUID) *Registry {
	r := &Registry{
		GodUserID:     godUserID,
		resourceTypes: make(map[string]uuid.UUID, len(resourceTypes)),
		permissions:   make(map[string]uuid.UUID, len(permissions)),
	}
	for name, id := range resourceTypes {
		r.resourceTypes[name] = id
	}
	for name, id := range permissions {
		r.permissions[name] = id
	}
	return r
}

// PermissionID resolves a permission name.
func (r *Registry) PermissionID(name string) (uuid.UUID, bool) {
	id, ok := r.permissions[name]
	return id, ok
}

// ResourceTypeID resolves a resource type name.
func (r *Registry) ResourceTypeID(name string) (uuid.UUID, bool) {
	id, ok := r.resourceTypes[name]
	return id, ok
}

// IsGodUser reports whether userID is the god user.
func (r *Registry) IsGodUser(userID uuid.UUID) bool {
	return r.GodUserID != uuid.Nil && userID == r.GodUserID
}

// Missing returns the known names the registry cannot resolve.
func (r *Registry) Missing() []string {
	var missing []string
	for _, name := range ResourceTypeNames {
		if _, ok := r.resourceTypes[name]; !ok {
			missing = append(missing, "resource type "+name)
		}
	}
	for _, name := range PermissionNames {
		if _, ok := r.permissions[name]; !ok {
			missing = append(missing, "permission "+name)
		}
	}
	return missing
}
