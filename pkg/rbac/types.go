package rbac

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// PermissionSet is a set of permission IDs.
type PermissionSet map[uuid.UUID]struct{}

// NewPermissionSet returns a set holding ids.
func NewPermissionSet(ids ...uuid.UUID) PermissionSet {
	s := make(PermissionSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s PermissionSet) Add(id uuid.UUID) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set. A nil set holds nothing.
func (s PermissionSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the IDs in lexical order.
func (s PermissionSet) Sorted() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of IDs.
func (s *PermissionSet) UnmarshalJSON(b []byte) error {
	var ids []uuid.UUID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewPermissionSet(ids...)
	return nil
}

// WorkspacePermission is what one user may do in one workspace.
type WorkspacePermission struct {
	IsSuperAdmin            bool                        `json:"is_super_admin"`
	ResourcePermissions     map[uuid.UUID]PermissionSet `json:"resource_permissions,omitempty"`
	ResourceExclusions      map[uuid.UUID]PermissionSet `json:"resource_exclusions,omitempty"`
	ResourceTypePermissions map[uuid.UUID]PermissionSet `json:"resource_type_permissions,omitempty"`
}

func newWorkspacePermission() *WorkspacePermission {
	return &WorkspacePermission{
		ResourcePermissions:     make(map[uuid.UUID]PermissionSet),
		ResourceExclusions:      make(map[uuid.UUID]PermissionSet),
		ResourceTypePermissions: make(map[uuid.UUID]PermissionSet),
	}
}

func addTo(m map[uuid.UUID]PermissionSet, key, permission uuid.UUID) {
	set, ok := m[key]
	if !ok {
		set = make(PermissionSet)
		m[key] = set
	}
	set.Add(permission)
}

// Grants maps workspace IDs to the permissions of one user.
type Grants map[uuid.UUID]*WorkspacePermission

// Resource is the RBAC view of a resource: its type and owning workspace.
type Resource struct {
	ID             uuid.UUID `json:"id"`
	ResourceTypeID uuid.UUID `json:"resource_type_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
}

// Membership links a user to a role in a workspace.
type Membership struct {
	WorkspaceID uuid.UUID
	RoleID      uuid.UUID
}

// ResourceGrant grants or, with Exclude, withholds a permission on one resource.
type ResourceGrant struct {
	RoleID       uuid.UUID
	PermissionID uuid.UUID
	ResourceID   uuid.UUID
	Exclude      bool
}

// TypeGrant grants a permission on every resource of a type.
type TypeGrant struct {
	RoleID         uuid.UUID
	PermissionID   uuid.UUID
	ResourceTypeID uuid.UUID
}
