package auth

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PermissionAll grants every permission.
const PermissionAll = "*"

// Permissions checked by the built-in routes.
const (
	PermissionUserManage = "user:manage"
	PermissionAuditRead  = "audit:read"
)

// Platform, business, customer and school role names.
const (
	RolePlatformOwner     = "PLATFORM_OWNER"
	RolePlatformAdmin     = "PLATFORM_ADMIN"
	RolePlatformManager   = "PLATFORM_MANAGER"
	RolePlatformDeveloper = "PLATFORM_DEVELOPER"
	RolePlatformSales     = "PLATFORM_SALES"
	RolePlatformSupport   = "PLATFORM_SUPPORT"

	RoleBusinessOwner   = "BUSINESS_OWNER"
	RoleBusinessManager = "BUSINESS_MANAGER"
	RoleBusinessStaff   = "BUSINESS_STAFF"

	RoleVIPCustomer   = "VIP_CUSTOMER"
	RoleCustomer      = "CUSTOMER"
	RoleGuestCustomer = "GUEST_CUSTOMER"

	RoleDeveloper = "DEVELOPER"
	RoleAdmin     = "ADMIN"
	RoleStaff     = "STAFF"
	RoleTeacher   = "TEACHER"
	RoleStudent   = "STUDENT"
)

// RoleTable maps role names to their permission sets. It is immutable after
// construction and safe for concurrent use.
type RoleTable struct {
	roles map[string]Role
}

type roleFile struct {
	Roles []Role `yaml:"roles"`
}

// NewRoleTable builds a table from roles. Duplicate names are rejected.
func NewRoleTable(roles ...Role) (*RoleTable, error) {
	t := &RoleTable{roles: make(map[string]Role, len(roles))}
	for _, r := range roles {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, fmt.Errorf("role table: empty role name")
		}
		if _, exists := t.roles[name]; exists {
			return nil, fmt.Errorf("role table: duplicate role %q", name)
		}
		r.Name = name
		r.Permissions = dedupeRoles(r.Permissions)
		t.roles[name] = r
	}
	return t, nil
}

// LoadRoleTable reads a YAML document of the form `roles: [{name, permissions}]`.
func LoadRoleTable(r io.Reader) (*RoleTable, error) {
	var doc roleFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("role table: decode: %w", err)
	}
	return NewRoleTable(doc.Roles...)
}

// LoadRoleTableFile reads a YAML role table from disk.
func LoadRoleTableFile(path string) (*RoleTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("role table: %w", err)
	}
	defer f.Close()
	return LoadRoleTable(f)
}

// DefaultRoleTable returns the built-in multi-tenant vocabulary.
func DefaultRoleTable() *RoleTable {
	t, err := NewRoleTable(DefaultRoles()...)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultRoles lists the built-in roles.
func DefaultRoles() []Role {
	return []Role{
		{Name: RolePlatformOwner, Description: "platform owner", Permissions: []string{PermissionAll}},
		{Name: RolePlatformAdmin, Description: "platform administrator", Permissions: []string{
			"user:*", "business:*", "customer:*", "message:*", "subscription:*",
			"payment:*", "audit:read", "system:read", "platform:manage",
		}},
		{Name: RolePlatformManager, Permissions: []string{
			"user:read", "user:update", "business:read", "business:update",
			"customer:read", "customer:update", "message:*", "subscription:read",
			"payment:read", "audit:read",
		}},
		{Name: RolePlatformDeveloper, Permissions: []string{
			"system:read", "audit:read", "user:read", "business:read",
			"message:read", "subscription:read",
		}},
		{Name: RolePlatformSales, Permissions: []string{
			"business:read", "business:create", "customer:read", "subscription:*",
			"payment:read", "message:create",
		}},
		{Name: RolePlatformSupport, Permissions: []string{
			"user:read", "user:update", "customer:read", "customer:update",
			"message:*", "support:*",
		}},
		{Name: RoleBusinessOwner, Permissions: []string{
			"business:read", "business:update", "staff:*", "customer:read",
			"message:*", "subscription:read", "subscription:update", "payment:read",
		}},
		{Name: RoleBusinessManager, Permissions: []string{
			"business:read", "staff:read", "staff:update", "customer:read",
			"message:*", "subscription:read",
		}},
		{Name: RoleBusinessStaff, Permissions: []string{
			"business:read", "customer:read", "message:read", "message:create",
		}},
		{Name: RoleVIPCustomer, Permissions: []string{
			"user:read", "user:update", "message:*", "loyalty:*", "order:*",
			"vip:access", "priority:support",
		}},
		{Name: RoleCustomer, Permissions: []string{
			"user:read", "user:update", "message:read", "message:create",
			"loyalty:read", "order:*",
		}},
		{Name: RoleGuestCustomer, Permissions: []string{"user:read", "order:read"}},
		{Name: RoleDeveloper, Description: "school system developer", Permissions: []string{PermissionAll}},
		{Name: RoleAdmin, Description: "school administrator", Permissions: []string{
			"user:*", "audit:read", "school:*", "class:*", "schedule:*",
			"attendance:*", "score:*", "survey:*",
		}},
		{Name: RoleStaff, Permissions: []string{
			"user:read", "school:read", "class:read", "schedule:*",
			"attendance:read", "survey:read",
		}},
		{Name: RoleTeacher, Permissions: []string{
			"user:read", "class:read", "schedule:read", "attendance:*", "score:*",
		}},
		{Name: RoleStudent, Permissions: []string{
			"user:read", "schedule:read", "attendance:read", "score:read", "survey:submit",
		}},
	}
}

// Known reports whether name is a role in the table.
func (t *RoleTable) Known(name string) bool {
	_, ok := t.roles[name]
	return ok
}

// Role returns the named role.
func (t *RoleTable) Role(name string) (Role, bool) {
	r, ok := t.roles[name]
	if !ok {
		return Role{}, false
	}
	r.Permissions = slices.Clone(r.Permissions)
	return r, true
}

// Roles returns every role sorted by name.
func (t *RoleTable) Roles() []Role {
	out := make([]Role, 0, len(t.roles))
	for name := range t.roles {
		r, _ := t.Role(name)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Permissions returns the union of permissions granted by roles. Unknown
// role names grant nothing.
func (t *RoleTable) Permissions(roles []string) []string {
	var out []string
	for _, name := range roles {
		r, ok := t.roles[name]
		if !ok {
			continue
		}
		for _, p := range r.Permissions {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// HasPermission reports whether any of roles grants permission. "*" grants
// everything and "resource:*" grants every action on resource.
func (t *RoleTable) HasPermission(roles []string, permission string) bool {
	if permission == "" {
		return false
	}
	for _, name := range roles {
		r, ok := t.roles[name]
		if !ok {
			continue
		}
		for _, granted := range r.Permissions {
			if permissionMatches(granted, permission) {
				return true
			}
		}
	}
	return false
}

func permissionMatches(granted, wanted string) bool {
	if granted == PermissionAll || granted == wanted {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ":*"); ok {
		resource, _, _ := strings.Cut(wanted, ":")
		return resource == prefix
	}
	return false
}
