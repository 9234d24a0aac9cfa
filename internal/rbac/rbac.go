package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionPropose     Action = "propose"
	ActionVote        Action = "vote"
	ActionPublish     Action = "publish"
	ActionModerate    Action = "moderate"
	ActionConfigureXP Action = "configure_xp"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPropose || action == ActionVote || action == ActionPublish
	default:
		return false
	}
}

// RoleFor maps the users.is_admin flag onto a role.
func RoleFor(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleMember
}
