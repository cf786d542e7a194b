package rbac

import "testing"

func TestCanPromote(t *testing.T) {
	cases := []struct {
		role Role
		want bool
	}{
		{RoleAdmin, true},
		{RoleSystem, true},
		{RoleAgent, true},
		{RoleUser, false},
		{Role("intruder"), false},
	}
	for _, c := range cases {
		if got := CanPromote(c.role); got != c.want {
			t.Fatalf("CanPromote(%s): got %v want %v", c.role, got, c.want)
		}
	}
}

func TestHasPermission(t *testing.T) {
	if !HasPermission(RoleUser, PermWrite) {
		t.Fatalf("user should write")
	}
	if HasPermission(RoleUser, PermDelete) {
		t.Fatalf("user should not delete")
	}
	if HasPermission(Role("unknown"), PermRead) {
		t.Fatalf("unknown role should have no permissions")
	}
}

func TestRolePermissionsIsACopy(t *testing.T) {
	perms := RolePermissions(RoleUser)
	if len(perms) != 2 {
		t.Fatalf("user permissions: got %d want 2", len(perms))
	}
	perms[0] = PermAdmin
	if HasPermission(RoleUser, PermAdmin) {
		t.Fatalf("mutating the returned slice must not affect the table")
	}
}
