package model

import "fmt"

// OperatorRole is the RBAC role carried in operator tokens.
type OperatorRole string

const (
	RoleAdmin   OperatorRole = "admin"
	RoleAnalyst OperatorRole = "analyst"
	RoleViewer  OperatorRole = "viewer"
)

// RoleRank returns the privilege level of a role. Unknown roles rank 0.
func RoleRank(r OperatorRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAnalyst:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether r has at least the privileges of minRole.
func RoleAtLeast(r, minRole OperatorRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ParseRole validates a role name.
func ParseRole(s string) (OperatorRole, error) {
	r := OperatorRole(s)
	if RoleRank(r) == 0 {
		return "", fmt.Errorf("unknown role %q (want admin, analyst or viewer)", s)
	}
	return r, nil
}
