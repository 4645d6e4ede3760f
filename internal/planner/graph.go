package planner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Graph holds a workflow's tasks and their dependency edges. It is safe
// for concurrent use: planning reads under a shared lock, status marks
// take the exclusive lock.
type Graph struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	// dependents maps a task ID to the IDs that depend on it.
	dependents map[string][]string
}

// NewGraph returns an empty task graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Add inserts a task in StatusPending. The task ID must be non-empty and
// unique, and the role must belong to the closed set. Dependencies are
// not resolved here; Validate and Plan check them against the full graph.
func (g *Graph) Add(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("add task: empty id")
	}
	if !t.Role.Valid() {
		return fmt.Errorf("add task %s: invalid role %q", t.ID, t.Role)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	t.Status = StatusPending
	t.DependsOn = append([]string(nil), t.DependsOn...)
	t.seq = len(g.order)

	g.tasks[t.ID] = &t
	g.order = append(g.order, t.ID)
	for _, dep := range t.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], t.ID)
	}
	return nil
}

// AddAll inserts tasks in order, stopping at the first failure.
func (g *Graph) AddAll(tasks ...Task) error {
	for _, t := range tasks {
		if err := g.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Task returns a copy of the named task.
func (g *Graph) Task(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// Counts tallies tasks by status.
func (g *Graph) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[Status]int, 6)
	for _, t := range g.tasks {
		out[t.Status]++
	}
	return out
}

// Validate checks every dependency edge: references must resolve to
// known tasks, and the graph must be acyclic. A self-dependency is a
// cycle of length one. Validation failures are configuration faults.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on undeclared task %s", ErrUnknownDependency, id, dep)
			}
		}
	}
	if cycle := g.findCycleLocked(); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycleLocked runs a three-color depth-first search and returns one
// cycle as a closed path, or nil if the graph is acyclic.
func (g *Graph) findCycleLocked() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.tasks))

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Close the loop from the point dep last appeared.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Plan layers the graph into execution batches. Batch N contains exactly
// the tasks whose dependencies all sit in batches 0..N-1; inside a batch
// tasks are ordered by descending priority, insertion order breaking
// ties. The empty graph plans to an empty batch list. Plan validates
// first and emits nothing on a validation failure.
func (g *Graph) Plan() ([]Batch, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := g.validateLocked(); err != nil {
		return nil, err
	}
	if len(g.tasks) == 0 {
		return []Batch{}, nil
	}

	indegree := make(map[string]int, len(g.tasks))
	for _, id := range g.order {
		indegree[id] = len(g.tasks[id].DependsOn)
	}

	frontier := make([]string, 0, len(g.tasks))
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	var batches []Batch
	placed := 0
	for len(frontier) > 0 {
		sort.SliceStable(frontier, func(i, j int) bool {
			a, b := g.tasks[frontier[i]], g.tasks[frontier[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.seq < b.seq
		})

		batch := Batch{Index: len(batches), Tasks: make([]Task, 0, len(frontier))}
		for _, id := range frontier {
			batch.Tasks = append(batch.Tasks, *g.tasks[id])
		}
		batches = append(batches, batch)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dependent := range g.dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if placed != len(g.tasks) {
		// Unreachable after validateLocked, kept as a hard invariant.
		return nil, fmt.Errorf("%w: %d tasks unplaceable", ErrCyclicDependency, len(g.tasks)-placed)
	}
	return batches, nil
}

// MarkReady moves a pending task to StatusReady.
func (g *Graph) MarkReady(id string) error {
	return g.transition(id, StatusReady)
}

// MarkRunning moves a pending or ready task to StatusRunning.
func (g *Graph) MarkRunning(id string) error {
	return g.transition(id, StatusRunning)
}

// MarkCompleted moves a running task to StatusCompleted.
func (g *Graph) MarkCompleted(id string) error {
	return g.transition(id, StatusCompleted)
}

func (g *Graph) transition(id string, to Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !transitionAllowed(t.Status, to) {
		return fmt.Errorf("%w: task %s cannot move %s -> %s", ErrInvalidTransition, id, t.Status, to)
	}
	t.Status = to
	return nil
}

// MarkFailed moves a task to StatusFailed and blocks every transitive
// dependent that has not started, so no downstream work is dispatched on
// top of a failed dependency. It returns the blocked task IDs in
// insertion order.
func (g *Graph) MarkFailed(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !transitionAllowed(t.Status, StatusFailed) {
		return nil, fmt.Errorf("%w: task %s cannot move %s -> %s", ErrInvalidTransition, id, t.Status, StatusFailed)
	}
	t.Status = StatusFailed

	// Breadth-first over reverse edges; only tasks that have not been
	// dispatched can become blocked.
	blocked := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if blocked[next] {
			continue
		}
		dt := g.tasks[next]
		if dt.Status == StatusPending || dt.Status == StatusReady {
			dt.Status = StatusBlocked
			blocked[next] = true
			queue = append(queue, g.dependents[next]...)
		}
	}

	out := make([]string, 0, len(blocked))
	for _, tid := range g.order {
		if blocked[tid] {
			out = append(out, tid)
		}
	}
	return out, nil
}
