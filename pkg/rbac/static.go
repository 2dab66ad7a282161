package rbac

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// registryNamespace derives stable IDs for names in static fixtures.
var registryNamespace = uuid.MustParse("6f0a3c1e-7b1d-4c52-9a8e-2f5d0c9b4e11")

// NameID returns the stable ID static fixtures use for a resource type or
// permission name.
func NameID(name string) uuid.UUID {
	return uuid.NewSHA1(registryNamespace, []byte(name))
}

// StaticRegistry resolves every known name to its NameID.
func StaticRegistry(godUserID uuid.UUID) *Registry {
	types := make(map[string]uuid.UUID, len(ResourceTypeNames))
	for _, name := range ResourceTypeNames {
		types[name] = NameID(name)
	}
	perms := make(map[string]uuid.UUID, len(PermissionNames))
	for _, name := range PermissionNames {
		perms[name] = NameID(name)
	}
	return NewRegistry(godUserID, types, perms)
}

// Fixture is the YAML form of a StaticSource.
type Fixture struct {
	Resources []struct {
		ID    string `yaml:"id"`
		Type  string `yaml:"type"`
		Owner string `yaml:"owner"`
	} `yaml:"resources"`
	Workspaces []struct {
		ID         string `yaml:"id"`
		SuperAdmin string `yaml:"super_admin"`
	} `yaml:"workspaces"`
	Roles []struct {
		ID      string         `yaml:"id"`
		Include []FixtureGrant `yaml:"include"`
		Exclude []FixtureGrant `yaml:"exclude"`
		Types   []FixtureGrant `yaml:"types"`
	} `yaml:"roles"`
	Members []struct {
		User      string `yaml:"user"`
		Workspace string `yaml:"workspace"`
		Role      string `yaml:"role"`
	} `yaml:"members"`
}

// FixtureGrant names a permission on a resource ID or a resource type name.
type FixtureGrant struct {
	Permission string `yaml:"permission"`
	Resource   string `yaml:"resource,omitempty"`
	Type       string `yaml:"type,omitempty"`
}

type staticMember struct {
	user uuid.UUID
	Membership
}

// StaticSource serves RBAC data held in memory. IDs of names follow NameID.
type StaticSource struct {
	resources      map[uuid.UUID]Resource
	superAdmins    map[uuid.UUID][]uuid.UUID
	members        []staticMember
	resourceGrants []ResourceGrant
	typeGrants     []TypeGrant
}

// LoadStaticSource reads a fixture file.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return NewStaticSource(&f)
}

// NewStaticSource validates f and indexes it.
func NewStaticSource(f *Fixture) (*StaticSource, error) {
	s := &StaticSource{
		resources:   make(map[uuid.UUID]Resource),
		superAdmins: make(map[uuid.UUID][]uuid.UUID),
	}

	for _, r := range f.Resources {
		id, err := parseID("resource", r.ID)
		if err != nil {
			return nil, err
		}
		owner, err := parseID("resource owner", r.Owner)
		if err != nil {
			return nil, err
		}
		s.resources[id] = Resource{ID: id, ResourceTypeID: NameID(r.Type), OwnerID: owner}
	}

	for _, w := range f.Workspaces {
		id, err := parseID("workspace", w.ID)
		if err != nil {
			return nil, err
		}
		if w.SuperAdmin == "" {
			continue
		}
		admin, err := parseID("super admin", w.SuperAdmin)
		if err != nil {
			return nil, err
		}
		s.superAdmins[admin] = append(s.superAdmins[admin], id)
	}

	for _, role := range f.Roles {
		roleID, err := parseID("role", role.ID)
		if err != nil {
			return nil, err
		}
		for _, exclude := range []bool{false, true} {
			grants := role.Include
			if exclude {
				grants = role.Exclude
			}
			for _, g := range grants {
				resID, err := parseID("granted resource", g.Resource)
				if err != nil {
					return nil, err
				}
				s.resourceGrants = append(s.resourceGrants, ResourceGrant{
					RoleID:       roleID,
					PermissionID: NameID(g.Permission),
					ResourceID:   resID,
					Exclude:      exclude,
				})
			}
		}
		for _, g := range role.Types {
			s.typeGrants = append(s.typeGrants, TypeGrant{
				RoleID:         roleID,
				PermissionID:   NameID(g.Permission),
				ResourceTypeID: NameID(g.Type),
			})
		}
	}

	for _, m := range f.Members {
		user, err := parseID("member", m.User)
		if err != nil {
			return nil, err
		}
		ws, err := parseID("member workspace", m.Workspace)
		if err != nil {
			return nil, err
		}
		role, err := parseID("member role", m.Role)
		if err != nil {
			return nil, err
		}
		s.members = append(s.members, staticMember{user: user, Membership: Membership{WorkspaceID: ws, RoleID: role}})
	}

	return s, nil
}

func parseID(what, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", what, raw, err)
	}
	return id, nil
}

// GetAllWorkspaceRolePermissionsForUser folds the grants of userID.
func (s *StaticSource) GetAllWorkspaceRolePermissionsForUser(_ context.Context, userID uuid.UUID) (Grants, error) {
	var memberships []Membership
	for _, m := range s.members {
		if m.user == userID {
			memberships = append(memberships, m.Membership)
		}
	}
	return Fold(memberships, s.resourceGrants, s.typeGrants, s.superAdmins[userID]), nil
}

// GetResource returns a resource.
func (s *StaticSource) GetResource(_ context.Context, id uuid.UUID) (*Resource, error) {
	r, ok := s.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return &r, nil
}
