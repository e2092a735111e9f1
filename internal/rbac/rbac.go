// Package rbac defines the project role hierarchy and its comparison rules.
package rbac

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// Rank returns the role's position in the hierarchy. Higher ranks satisfy
// requirements expressed at lower ranks; unknown roles rank below viewer.
// The numeric values (viewer=1, editor=2, admin=3) are a wire contract;
// clients render permissions from them.
func Rank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether the resolved role meets a minimum required role.
func Satisfies(role, required Role) bool {
	return Rank(role) >= Rank(required)
}

// SatisfiesAny reports whether the resolved role meets the lowest role in a
// requirement set. Higher roles are supersets of lower ones, so meeting the
// lowest entry is sufficient.
func SatisfiesAny(role Role, required ...Role) bool {
	if len(required) == 0 {
		return true
	}
	min := required[0]
	for _, r := range required[1:] {
		if Rank(r) < Rank(min) {
			min = r
		}
	}
	return Satisfies(role, min)
}

// Normalize maps a stored or inbound role string to the canonical enum.
// Legacy documents and older clients used several spellings for the same
// role; synonyms never propagate past this boundary.
func Normalize(role string) Role {
	switch role {
	case "viewer", "r", "read", "readonly":
		return RoleViewer
	case "editor", "rw", "write":
		return RoleEditor
	case "admin", "host", "owner":
		return RoleAdmin
	default:
		return RoleViewer
	}
}

// Valid reports whether the string is already a canonical role value.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}
