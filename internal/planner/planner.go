// Package planner turns a set of role-tagged tasks with declared
// dependencies into an ordered sequence of execution batches.
//
// Planning is deterministic: every batch contains exactly the tasks whose
// dependencies are satisfied by earlier batches, ordered by descending
// priority with insertion order breaking ties. Cyclic or dangling
// dependencies are configuration faults and fail validation before any
// batch is produced.
package planner

import (
	"errors"

	"github.com/fyrsmithlabs/conductd/internal/role"
)

// Status tracks a task through its execution lifecycle.
type Status string

const (
	// StatusPending means the task has been added but not yet scheduled.
	StatusPending Status = "pending"
	// StatusReady means the task's batch has been released for execution.
	StatusReady Status = "ready"
	// StatusRunning means the task has been dispatched to a backend.
	StatusRunning Status = "running"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure of a dispatched task.
	StatusFailed Status = "failed"
	// StatusBlocked is terminal: an upstream dependency failed before
	// this task could start.
	StatusBlocked Status = "blocked"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Planner errors. Cycles and dangling references are configuration
// faults: they abort planning before any batch is emitted.
var (
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Task is one unit of delegated work inside a workflow.
type Task struct {
	ID          string
	Role        role.Role
	Description string

	// Type categorizes the work (for example "code" or "review") so
	// memory enrichment can surface similar past executions. Optional.
	Type string

	// Priority orders tasks inside a batch; higher runs first. Equal
	// priorities fall back to insertion order.
	Priority int

	// DependsOn lists task IDs that must complete before this task may
	// start.
	DependsOn []string

	Status Status

	// seq is the insertion index, assigned by the graph.
	seq int
}

// Batch is one rank of the dependency layering. All tasks in a batch are
// mutually independent and may run concurrently; batches execute in
// index order.
type Batch struct {
	Index int
	Tasks []Task
}

// IDs returns the batch's task IDs in batch order.
func (b Batch) IDs() []string {
	out := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		out[i] = t.ID
	}
	return out
}

// canTransition enumerates the legal status moves. Terminal states have
// no outgoing edges.
var canTransition = map[Status][]Status{
	StatusPending: {StatusReady, StatusRunning, StatusFailed, StatusBlocked},
	StatusReady:   {StatusRunning, StatusFailed, StatusBlocked},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range canTransition[from] {
		if s == to {
			return true
		}
	}
	return false
}
