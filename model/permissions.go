package model

// Capability tags admins can carry.
const (
	PermDashboardRead = "dashboard_read"
	PermUserCreate    = "user_create"
	PermUserRead      = "user_read"
	PermUserUpdate    = "user_update"
	PermUserDelete    = "user_delete"
	PermUserReset     = "user_reset"
	PermAdminCreate   = "admin_create"
	PermAdminRead     = "admin_read"
	PermAdminUpdate   = "admin_update"
	PermAdminDelete   = "admin_delete"
	PermSettingsRead  = "settings_read"
	PermSettingsWrite = "settings_write"
)

// AllPermissions is the full capability catalogue.
var AllPermissions = []string{
	PermDashboardRead,
	PermUserCreate,
	PermUserRead,
	PermUserUpdate,
	PermUserDelete,
	PermUserReset,
	PermAdminCreate,
	PermAdminRead,
	PermAdminUpdate,
	PermAdminDelete,
	PermSettingsRead,
	PermSettingsWrite,
}

// PermissionPresets are predefined tag sets for common roles.
var PermissionPresets = map[string][]string{
	"full_manager": {
		PermDashboardRead, PermUserCreate, PermUserRead, PermUserUpdate,
		PermUserDelete, PermUserReset, PermAdminRead, PermAdminUpdate,
		PermSettingsRead,
	},
	"agent": {
		PermDashboardRead, PermUserCreate, PermUserRead, PermUserUpdate,
		PermUserDelete, PermUserReset,
	},
	"read_only": {
		PermDashboardRead, PermUserRead,
	},
}
