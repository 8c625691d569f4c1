package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleSubmitter Role = "submitter"
	RoleCurator   Role = "curator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionReview Action = "review"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCurator:
		return action == ActionRead || action == ActionSubmit || action == ActionReview
	case RoleSubmitter:
		return action == ActionRead || action == ActionSubmit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleSubmitter, RoleCurator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
