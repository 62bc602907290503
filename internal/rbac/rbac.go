package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleAgent   Role = "agent"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionImport   Action = "import"
	ActionSettings Action = "settings"
)

// Can reports whether a staff role may perform action. Agents capture
// policies by hand or from PDFs; managers also run grid imports; only admins
// change agency settings.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionImport
	case RoleAgent:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAgent, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
