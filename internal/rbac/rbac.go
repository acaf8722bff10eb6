// Package rbac evaluates access for the two layers of the permission
// model: the coarse global role gate and the per-document grant policy.
package rbac

type Role string
type Action string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleReader Role = "reader"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Can is the coarse role gate: it restricts whole actions by global
// role, before any per-document grant is consulted.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleReader:
		return action == ActionRead
	default:
		return false
	}
}

// CanReadDoc evaluates document-level read access. grant is the role of
// the (user, document) grant row, empty when no row exists. Admins never
// need a grant; for everyone else the absence of a row fails closed.
func CanReadDoc(global Role, grant Role) bool {
	if global == RoleAdmin {
		return true
	}
	return grant == RoleEditor || grant == RoleReader
}

// CanWriteDoc evaluates document-level write access: admins always,
// otherwise a global role passing the write gate plus an editor grant.
// A global reader cannot write even with an editor grant.
func CanWriteDoc(global Role, grant Role) bool {
	if global == RoleAdmin {
		return true
	}
	return Can(global, ActionWrite) && grant == RoleEditor
}

// ValidRole reports whether value names a global role.
func ValidRole(value string) bool {
	switch Role(value) {
	case RoleAdmin, RoleEditor, RoleReader:
		return true
	default:
		return false
	}
}

// ValidGrant reports whether value names a per-document grant role.
// Grants never carry admin: global admins bypass grants entirely.
func ValidGrant(value string) bool {
	switch Role(value) {
	case RoleEditor, RoleReader:
		return true
	default:
		return false
	}
}
