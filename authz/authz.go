// Package authz holds the role predicates used for access control.
package authz

import (
	"strings"

	bustrack "github.com/chimerakang/bustrack-api"
)

// Route policies.
var (
	// AdminOnly guards user administration and fleet writes.
	AdminOnly = []bustrack.Role{bustrack.RoleAdmin}

	// TripWriters may create and update trips.
	TripWriters = []bustrack.Role{bustrack.RoleDriver, bustrack.RoleAdmin}

	// Anyone admits every known role; used for fleet reads.
	Anyone []bustrack.Role
)

// Allows reports whether role satisfies the requirement. Admin passes every check;
// an empty requirement admits any known role.
func Allows(role bustrack.Role, required ...bustrack.Role) bool {
	if role == bustrack.RoleAdmin {
		return true
	}
	if len(required) == 0 {
		return role.Valid()
	}
	for _, r := range required {
		if r == role {
			return true
		}
	}
	return false
}

// Describe renders a requirement for error messages, e.g. "driver or admin".
func Describe(required ...bustrack.Role) string {
	if len(required) == 0 {
		return "any"
	}
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = string(r)
	}
	return strings.Join(names, " or ")
}
