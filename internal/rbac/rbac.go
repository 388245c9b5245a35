package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleSeller  Role = "seller"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionConfigure Action = "configure"
	ActionAdmin     Action = "admin"
)

// Can reports whether role may perform action. Writing covers cards; configuring covers
// board columns and their policies.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionConfigure
	case RoleSeller:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleSeller, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// CanGrant reports whether inviter may hand out role. Managers invite sellers and
// viewers; admins invite any role.
func CanGrant(inviter, role Role) bool {
	switch inviter {
	case RoleAdmin:
		return true
	case RoleManager:
		return role == RoleSeller || role == RoleViewer
	default:
		return false
	}
}
