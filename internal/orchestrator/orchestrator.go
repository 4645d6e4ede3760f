// Package orchestrator drives one specification through its workflow:
// scope the specification, plan dependency batches, execute each batch
// concurrently through the delegation router, then validate aggregate
// health and settle a terminal state.
//
// Each run owns a single Workflow value guarded by the orchestrator's
// lock; there is no shared global workflow state. Batches execute
// strictly in order and tasks inside a batch fan out concurrently. A
// canceled run stops dispatching further batches, lets already
// dispatched delegations resolve, and discards their results.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/router"
)

var tracer = otel.Tracer("conductd.orchestrator")

// State is one position in the workflow machine.
type State string

const (
	StateCreated    State = "created"
	StateScoped     State = "scoped"
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// stateTransitions enumerates the legal forward moves. Failed is
// additionally reachable from every non-terminal state.
var stateTransitions = map[State]State{
	StateCreated:    StateScoped,
	StateScoped:     StatePlanning,
	StatePlanning:   StateExecuting,
	StateExecuting:  StateValidating,
	StateValidating: StateCompleted,
}

func transitionAllowed(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	return stateTransitions[from] == to
}

// Workflow is the owned state of one run.
type Workflow struct {
	ID         string    `json:"id"`
	SpecID     string    `json:"spec_id"`
	SpecName   string    `json:"spec_name"`
	State      State     `json:"state"`
	Batches    int       `json:"batches"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Reason names the failure for terminal Failed workflows.
	Reason string `json:"reason,omitempty"`

	// Results aggregates every applied delegation result. Discarded
	// results from a canceled batch never appear here.
	Results []router.Result `json:"-"`

	Health HealthReport `json:"health"`
}

// snapshotLocked copies the workflow for callers outside the lock.
func (wf *Workflow) snapshotLocked() Workflow {
	snap := *wf
	snap.Results = append([]router.Result(nil), wf.Results...)
	snap.Health.Remediation = append([]Remediation(nil), wf.Health.Remediation...)
	return snap
}

// SpecMover is the lifecycle surface the orchestrator drives.
// *lifecycle.Manager satisfies it.
type SpecMover interface {
	MoveToScope(ctx context.Context, id string) (lifecycle.Specification, error)
	MoveToCompleted(ctx context.Context, id string, tasksDone bool) (lifecycle.Specification, error)
	VerifyDisjoint(ctx context.Context) error
}

// Delegator dispatches one task. *router.Router satisfies it.
type Delegator interface {
	Route(ctx context.Context, req router.Request) (router.Result, error)
}

// Orchestrator runs workflows and keeps snapshots of every run for the
// admin surface.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	log       *logging.Logger
	lifecycle SpecMover
	delegator Delegator
	emitter   events.Emitter
	metrics   *metrics

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	wf     *Workflow
	cancel context.CancelFunc
}

// New assembles an orchestrator. emitter may be nil to drop events; reg
// may be nil.
func New(
	cfg config.OrchestratorConfig,
	lc SpecMover,
	delegator Delegator,
	emitter events.Emitter,
	log *logging.Logger,
	reg prometheus.Registerer,
) *Orchestrator {
	if log == nil {
		log = logging.NewNop()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log.Named("orchestrator"),
		lifecycle: lc,
		delegator: delegator,
		emitter:   emitter,
		metrics:   newMetrics(reg),
		runs:      make(map[string]*run),
	}
}

// Workflow returns a snapshot of one run.
func (o *Orchestrator) Workflow(id string) (Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		return Workflow{}, false
	}
	return r.wf.snapshotLocked(), true
}

// Workflows returns snapshots of every run, newest first.
func (o *Orchestrator) Workflows() []Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Workflow, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.wf.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel signals a running workflow to stop dispatching further
// batches. In-flight delegations resolve and are discarded. It reports
// whether the workflow exists.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		return false
	}
	r.cancel()
	return true
}

func (o *Orchestrator) register(wf *Workflow, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[wf.ID] = &run{wf: wf, cancel: cancel}
}

func newWorkflow(spec lifecycle.Specification) *Workflow {
	return &Workflow{
		ID:        uuid.New().String(),
		SpecID:    spec.ID,
		SpecName:  spec.Name,
		State:     StateCreated,
		StartedAt: time.Now().UTC(),
	}
}
