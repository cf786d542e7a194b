// Package rbac holds the static role to permission table for memory
// operations. Roles are a closed set; there are no dynamic grants.
package rbac

// Role identifies the caller category supplied by the authentication layer.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Permission is one capability over memory items.
type Permission string

const (
	PermRead    Permission = "memory:read"
	PermWrite   Permission = "memory:write"
	PermPromote Permission = "memory:promote"
	PermDelete  Permission = "memory:delete"
	PermAdmin   Permission = "memory:admin"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermRead, PermWrite, PermPromote, PermDelete, PermAdmin},
	RoleUser:   {PermRead, PermWrite},
	RoleAgent:  {PermRead, PermWrite, PermPromote},
	RoleSystem: {PermRead, PermWrite, PermPromote, PermDelete, PermAdmin},
}

// HasPermission reports whether role carries the permission. Unknown roles
// have none.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// CanPromote reports whether role may promote memories to the permanent
// layer.
func CanPromote(role Role) bool {
	return HasPermission(role, PermPromote) || HasPermission(role, PermAdmin)
}

// RolePermissions returns the permission set for a role.
func RolePermissions(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}
