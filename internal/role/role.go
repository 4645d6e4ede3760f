// Package role defines the closed set of delegation roles and the
// startup-time registration table binding each role to a worker backend
// and its delegation policy.
//
// Roles are a closed set: dispatch never branches on free-form strings.
// Unknown role names are rejected at parse time, before any plan or
// delegation is produced.
package role

import (
	"errors"
	"fmt"
)

// Role is a named category of delegated work bound to a specific executor.
type Role string

// The closed role set.
const (
	Architect  Role = "architect"
	Coder      Role = "coder"
	Tester     Role = "tester"
	Reviewer   Role = "reviewer"
	Researcher Role = "researcher"
)

// ErrUnknownRole indicates a role name outside the closed set.
var ErrUnknownRole = errors.New("unknown role")

// all lists every member of the closed set, in declaration order.
var all = []Role{Architect, Coder, Tester, Reviewer, Researcher}

// All returns the closed role set in declaration order.
func All() []Role {
	out := make([]Role, len(all))
	copy(out, all)
	return out
}

// Parse validates a role name against the closed set.
func Parse(s string) (Role, error) {
	for _, r := range all {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Valid reports whether r is a member of the closed set.
func (r Role) Valid() bool {
	for _, known := range all {
		if r == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}
