package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionPublish Action = "publish"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// TermsPolicy decides which roles skip terms acceptance entirely.
type TermsPolicy struct {
	privileged map[string]bool
}

func NewTermsPolicy(roles []string) TermsPolicy {
	p := TermsPolicy{privileged: make(map[string]bool, len(roles))}
	for _, role := range roles {
		p.privileged[role] = true
	}
	return p
}

// Exempt reports whether a user with role is never asked to accept terms.
// Roles are matched as stored, without normalization.
func (p TermsPolicy) Exempt(role string) bool {
	return role != "" && p.privileged[role]
}
