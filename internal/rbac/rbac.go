package rbac

// Role is the workspace-wide role of a user. Roles form a total order:
// employee < manager < admin. Access checks compare rank, so a higher
// role always satisfies a lower role requirement.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// Rank returns the ordinal of the role. Unknown role strings rank as 0,
// the same as employee.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleManager:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r satisfies the required role.
func (r Role) AtLeast(required Role) bool {
	return r.Rank() >= required.Rank()
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleEmployee, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleEmployee
	}
}
