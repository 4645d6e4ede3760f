// Package lifecycle owns the three-stage specification state machine.
//
// A Specification enters Backlog at intake, moves to InScope when a
// workflow picks it up, and lands in Completed when every task is done.
// Moves are transactional and verified after commit: a specification id
// occupies exactly one stage collection at any instant, never zero and
// never two. Failed verification retries the move idempotently up to a
// configured bound before surfacing a lifecycle violation.
package lifecycle

import (
	"errors"
	"time"
)

// Lifecycle errors.
var (
	// ErrNotFound indicates an unknown specification id.
	ErrNotFound = errors.New("specification not found")

	// ErrExists indicates a create with an id that is already stored.
	ErrExists = errors.New("specification already exists")

	// ErrLifecycle classifies invalid transitions and failed move
	// verification.
	ErrLifecycle = errors.New("lifecycle violation")
)

// Stage is one of the three specification collections.
type Stage string

const (
	StageBacklog   Stage = "backlog"
	StageInScope   Stage = "in_scope"
	StageCompleted Stage = "completed"
)

// AllStages lists the stages in lifecycle order.
func AllStages() []Stage {
	return []Stage{StageBacklog, StageInScope, StageCompleted}
}

// Valid reports whether s is one of the three stages.
func (s Stage) Valid() bool {
	switch s {
	case StageBacklog, StageInScope, StageCompleted:
		return true
	}
	return false
}

func (s Stage) String() string { return string(s) }

// Specification is one unit of requested work moving through the
// lifecycle. Documents is the named bundle handed over by intake; the
// engine treats its contents as opaque text.
type Specification struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Stage       Stage             `json:"stage"`
	Documents   map[string]string `json:"documents,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ScopedAt    time.Time         `json:"scoped_at"`
	CompletedAt time.Time         `json:"completed_at"`
}
