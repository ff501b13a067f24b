package shared

// Built-in role names.
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

// ActionAll grants every action on a resource.
const ActionAll = "all"

// Core platform permissions.
const (
	PermUsersRead   = "users:read"
	PermUsersUpdate = "users:update"
	PermUsersAll    = "users:all"

	PermRolesRead   = "roles:read"
	PermRolesCreate = "roles:create"
	PermRolesUpdate = "roles:update"
	PermRolesAll    = "roles:all"

	PermPermissionsRead = "permissions:read"

	PermAuditRead = "audit:read"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersRead,
		PermUsersUpdate,
		PermUsersAll,
		PermRolesRead,
		PermRolesCreate,
		PermRolesUpdate,
		PermRolesAll,
		PermPermissionsRead,
		PermAuditRead,
	}
}

// BuiltinRoles lists roles that cannot be deleted.
func BuiltinRoles() []string {
	return []string{RoleAdmin, RoleManager, RoleEmployee}
}

// IsBuiltinRole reports whether name is one of the immutable roles.
func IsBuiltinRole(name string) bool {
	for _, r := range BuiltinRoles() {
		if r == name {
			return true
		}
	}
	return false
}
