package domain

import (
	"fmt"
	"slices"
	"time"
)

// Permission is a capability a plugin can hold for a persona.
type Permission string

const (
	PermRead        Permission = "read"
	PermWrite       Permission = "write"
	PermMemoryRead  Permission = "memory.read"
	PermMemoryWrite Permission = "memory.write"
)

// AllPermissions lists every grantable permission.
var AllPermissions = []Permission{PermRead, PermWrite, PermMemoryRead, PermMemoryWrite}

// IsValidPermission returns true if s names a known permission.
func IsValidPermission(s string) bool {
	return slices.Contains(AllPermissions, Permission(s))
}

// StringsToPermissions converts a string slice, skipping unknown values.
func StringsToPermissions(ss []string) []Permission {
	perms := make([]Permission, 0, len(ss))
	for _, s := range ss {
		if IsValidPermission(s) {
			perms = append(perms, Permission(s))
		}
	}
	return perms
}

// AccessGrant binds a plugin to a persona with a permission set until ExpiresAt.
// Grants are never mutated; re-granting replaces the grant and its token.
type AccessGrant struct {
	PluginID    string       `json:"pluginId"`
	PersonaID   string       `json:"personaId"`
	Permissions []Permission `json:"permissions"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// Has reports whether the grant carries perm.
func (g AccessGrant) Has(perm Permission) bool {
	return slices.Contains(g.Permissions, perm)
}

// Expired reports whether the grant is no longer usable at now.
func (g AccessGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// ViolationReason explains why an access check failed.
type ViolationReason string

const (
	ReasonInvalidToken      ViolationReason = "invalid token"
	ReasonTokenMismatch     ViolationReason = "token mismatch"
	ReasonExpired           ViolationReason = "expired"
	ReasonMissingPermission ViolationReason = "missing permission"
)

// Severity returns the security-log severity associated with the reason.
func (r ViolationReason) Severity() Severity {
	switch r {
	case ReasonTokenMismatch:
		return SeverityHigh
	case ReasonExpired:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// AccessError describes a failed access check. It unwraps to ErrAccessDenied.
type AccessError struct {
	PluginID   string
	EventType  EventType
	Reason     ViolationReason
	Permission Permission // set for ReasonMissingPermission
}

func (e *AccessError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("%s: plugin %q on %q: %s %q", ErrAccessDenied, e.PluginID, e.EventType, e.Reason, e.Permission)
	}
	return fmt.Sprintf("%s: plugin %q on %q: %s", ErrAccessDenied, e.PluginID, e.EventType, e.Reason)
}

func (e *AccessError) Unwrap() error { return ErrAccessDenied }
