package rbac

import "github.com/google/uuid"

// HasPermission reports whether grants allow permission on resource within
// workspaceID. It is pure: the result depends only on its arguments.
func HasPermission(grants Grants, workspaceID, permission uuid.UUID, resource Resource) bool {
	ws, ok := grants[workspaceID]
	if !ok || ws == nil {
		return false
	}
	if ws.IsSuperAdmin {
		return true
	}

	// Resource-specific grants; an exclusion beats any other grant.
	if ws.ResourceExclusions[resource.ID].Has(permission) {
		return false
	}
	if ws.ResourcePermissions[resource.ID].Has(permission) {
		return true
	}

	return ws.ResourceTypePermissions[resource.ResourceTypeID].Has(permission)
}

// Fold aggregates role memberships and role grants into a snapshot, then
// marks every workspace in superAdminOf as super-admin.
func Fold(memberships []Membership, resourceGrants []ResourceGrant, typeGrants []TypeGrant, superAdminOf []uuid.UUID) Grants {
	byRole := make(map[uuid.UUID][]uuid.UUID, len(memberships))
	grants := make(Grants)
	for _, m := range memberships {
		byRole[m.RoleID] = append(byRole[m.RoleID], m.WorkspaceID)
		if _, ok := grants[m.WorkspaceID]; !ok {
			grants[m.WorkspaceID] = newWorkspacePermission()
		}
	}

	for _, g := range resourceGrants {
		for _, wsID := range byRole[g.RoleID] {
			ws := grants[wsID]
			if g.Exclude {
				addTo(ws.ResourceExclusions, g.ResourceID, g.PermissionID)
			} else {
				addTo(ws.ResourcePermissions, g.ResourceID, g.PermissionID)
			}
		}
	}

	for _, g := range typeGrants {
		for _, wsID := range byRole[g.RoleID] {
			addTo(grants[wsID].ResourceTypePermissions, g.ResourceTypeID, g.PermissionID)
		}
	}

	for _, wsID := range superAdminOf {
		ws, ok := grants[wsID]
		if !ok {
			ws = newWorkspacePermission()
			grants[wsID] = ws
		}
		ws.IsSuperAdmin = true
	}

	return grants
}
