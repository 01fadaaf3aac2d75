// Package auth - roles.go defines the role vocabulary and the per-operation
// allowed-role sets used by the authorization middleware.
package auth

// Role represents an account role.
type Role string

const (
	// RoleAdmin may query audit logs, manage activity flags, and run the
	// security self-test.
	RoleAdmin Role = "admin"
	// RoleDoctor may issue, share, and revoke signup codes for the hospital
	// it belongs to, and may redeem another doctor's code.
	RoleDoctor Role = "doctor"
	// RoleCustomer may redeem signup codes only.
	RoleCustomer Role = "customer"
)

// AllRoles returns every valid role.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleDoctor, RoleCustomer}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleCustomer:
		return true
	}
	return false
}

// RoleIn reports whether r is contained in allowed.
func RoleIn(r Role, allowed []Role) bool {
	for _, a := range allowed {
		if r == a {
			return true
		}
	}
	return false
}
