package chats

import "strings"

// Permissions is a bitmask of what a principal may do in a chat.
type Permissions int64

const (
	PermissionRead Permissions = 1 << iota
	PermissionWrite
	PermissionJoin
	PermissionLeave
	PermissionInvite
	PermissionSeeMembers
	PermissionEditMembers
	PermissionEditProperties
	PermissionEditRoles
)

const (
	PermissionNone  Permissions = 0
	PermissionOwner Permissions = 1 << 16
	PermissionAll               = PermissionRead | PermissionWrite | PermissionJoin | PermissionLeave |
		PermissionInvite | PermissionSeeMembers | PermissionEditMembers | PermissionEditProperties |
		PermissionEditRoles | PermissionOwner
)

// DefaultAnyonePermissions is granted to the Anyone role of a new chat.
const DefaultAnyonePermissions = PermissionRead | PermissionWrite | PermissionInvite | PermissionSeeMembers | PermissionLeave

// Has reports whether every bit of flags is set.
func (p Permissions) Has(flags Permissions) bool {
	return p&flags == flags
}

// AddImplied closes p over the implication rules, e.g. Write implies Read.
func (p Permissions) AddImplied() Permissions {
	if p.Has(PermissionOwner) {
		return PermissionAll
	}
	if p.Has(PermissionEditRoles) {
		p |= PermissionEditMembers
	}
	if p.Has(PermissionEditMembers) {
		p |= PermissionInvite | PermissionSeeMembers
	}
	if p.Has(PermissionEditProperties) {
		p |= PermissionRead
	}
	if p.Has(PermissionInvite) {
		p |= PermissionSeeMembers | PermissionRead
	}
	if p.Has(PermissionWrite) {
		p |= PermissionRead
	}
	return p
}

func (p Permissions) String() string {
	if p == PermissionNone {
		return "none"
	}
	names := []struct {
		flag Permissions
		name string
	}{
		{PermissionRead, "read"},
		{PermissionWrite, "write"},
		{PermissionJoin, "join"},
		{PermissionLeave, "leave"},
		{PermissionInvite, "invite"},
		{PermissionSeeMembers, "see_members"},
		{PermissionEditMembers, "edit_members"},
		{PermissionEditProperties, "edit_properties"},
		{PermissionEditRoles, "edit_roles"},
		{PermissionOwner, "owner"},
	}
	parts := make([]string, 0, len(names))
	for _, item := range names {
		if p.Has(item.flag) {
			parts = append(parts, item.name)
		}
	}
	return strings.Join(parts, ",")
}

type SystemRole string

const (
	SystemRoleNone          SystemRole = ""
	SystemRoleOwner         SystemRole = "owner"
	SystemRoleAnyone        SystemRole = "anyone"
	SystemRoleGuest         SystemRole = "guest"
	SystemRoleUser          SystemRole = "user"
	SystemRoleAnonymousUser SystemRole = "anonymous_user"
)

func (r SystemRole) IsValid() bool {
	switch r {
	case SystemRoleNone, SystemRoleOwner, SystemRoleAnyone, SystemRoleGuest, SystemRoleUser, SystemRoleAnonymousUser:
		return true
	default:
		return false
	}
}

// IsAutoAssigned reports whether membership is derived from the principal
// rather than stored. Owner membership is explicit.
func (r SystemRole) IsAutoAssigned() bool {
	return r != SystemRoleNone && r != SystemRoleOwner
}

// CanBeRemoved is false for the roles every chat must keep.
func (r SystemRole) CanBeRemoved() bool {
	return r != SystemRoleOwner && r != SystemRoleAnyone
}

// DefaultName is used when a system role is created without a name.
func (r SystemRole) DefaultName() string {
	switch r {
	case SystemRoleOwner:
		return "Owners"
	case SystemRoleAnyone:
		return "Everyone"
	case SystemRoleGuest:
		return "Guests"
	case SystemRoleUser:
		return "Users"
	case SystemRoleAnonymousUser:
		return "Anonymous users"
	default:
		return ""
	}
}

// matchesPrincipal reports whether an auto-assigned role applies to a principal.
func (r SystemRole) matchesPrincipal(isGuest, isAnonymous bool) bool {
	switch r {
	case SystemRoleAnyone:
		return true
	case SystemRoleGuest:
		return isGuest
	case SystemRoleUser:
		return !isGuest && !isAnonymous
	case SystemRoleAnonymousUser:
		return !isGuest && isAnonymous
	default:
		return false
	}
}
