package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/pipeline"
	"github.com/fyrsmithlabs/conductd/internal/planner"
	"github.com/fyrsmithlabs/conductd/internal/router"
)

// Run drives one specification end to end and returns the terminal
// workflow snapshot. The returned error is non-nil exactly when the
// workflow ends Failed; the snapshot always carries the health report
// and failure reason for the operator.
func (o *Orchestrator) Run(ctx context.Context, spec lifecycle.Specification, tasks []planner.Task) (Workflow, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wf := newWorkflow(spec)
	o.register(wf, cancel)

	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("workflow.spec_id", spec.ID),
			attribute.Int("workflow.tasks", len(tasks)),
		),
	)
	defer span.End()

	o.emitter.Emit(ctx, events.New(events.TypeWorkflowCreated, wf.ID, map[string]any{
		"spec_id": spec.ID,
		"name":    spec.Name,
		"tasks":   len(tasks),
	}))
	o.log.Info(ctx, "workflow started",
		zap.String("workflow.id", wf.ID),
		zap.String("workflow.spec_id", spec.ID),
		zap.Int("workflow.tasks", len(tasks)),
	)

	// Created → Scoped: the specification leaves the backlog.
	if _, err := o.lifecycle.MoveToScope(ctx, spec.ID); err != nil {
		return o.fail(ctx, span, wf, "scoping failed", err)
	}
	if err := o.advance(ctx, wf, StateScoped); err != nil {
		return o.fail(ctx, span, wf, "illegal transition", err)
	}

	// Scoped → Planning: materialize and layer the task graph.
	if err := o.advance(ctx, wf, StatePlanning); err != nil {
		return o.fail(ctx, span, wf, "illegal transition", err)
	}
	graph := planner.NewGraph()
	if err := graph.AddAll(tasks...); err != nil {
		return o.fail(ctx, span, wf, "invalid task graph", err)
	}
	batches, err := graph.Plan()
	if err != nil {
		return o.fail(ctx, span, wf, "planning failed", err)
	}
	o.mu.Lock()
	wf.Batches = len(batches)
	o.mu.Unlock()

	// Planning → Executing: batches run strictly in order.
	if err := o.advance(ctx, wf, StateExecuting); err != nil {
		return o.fail(ctx, span, wf, "illegal transition", err)
	}
	for _, batch := range batches {
		if ctx.Err() != nil {
			return o.fail(ctx, span, wf, "canceled", ctx.Err())
		}
		results := o.dispatchBatch(ctx, wf, graph, spec, batch)
		if ctx.Err() != nil {
			// In-flight delegations resolved; their results are
			// discarded, not applied.
			return o.fail(ctx, span, wf, "canceled", ctx.Err())
		}
		o.applyResults(ctx, wf, graph, batch, results)
	}

	// Executing → Validating: score the run and check invariants.
	if err := o.advance(ctx, wf, StateValidating); err != nil {
		return o.fail(ctx, span, wf, "illegal transition", err)
	}
	if err := o.lifecycle.VerifyDisjoint(ctx); err != nil {
		return o.fail(ctx, span, wf, "stage collections not disjoint", err)
	}

	health := computeHealth(graph.Tasks(), o.resultsSnapshot(wf))
	o.mu.Lock()
	wf.Health = health
	o.mu.Unlock()
	o.metrics.health.Observe(health.Score)
	span.SetAttributes(attribute.Float64("workflow.health", health.Score))

	if health.Score < o.cfg.HealthThreshold {
		err := fmt.Errorf("health score %.2f below threshold %.2f", health.Score, o.cfg.HealthThreshold)
		return o.fail(ctx, span, wf, "validation failed", err)
	}

	// The specification only reaches its terminal stage when every task
	// finished Done; a run that passed the threshold with failures
	// leaves it in scope for a follow-up.
	if health.AllDone() {
		if _, err := o.lifecycle.MoveToCompleted(ctx, spec.ID, true); err != nil {
			return o.fail(ctx, span, wf, "completion move failed", err)
		}
	}
	return o.complete(ctx, span, wf)
}

// dispatchBatch fans one batch out through the router and waits for
// every task to resolve. Routing uses a context detached from the
// workflow cancel signal: dispatched work is never forcibly killed, a
// canceled caller discards the results instead.
func (o *Orchestrator) dispatchBatch(ctx context.Context, wf *Workflow, graph *planner.Graph, spec lifecycle.Specification, batch planner.Batch) []router.Result {
	runnable := make([]planner.Task, 0, len(batch.Tasks))
	for _, t := range batch.Tasks {
		cur, ok := graph.Task(t.ID)
		if !ok || cur.Status.Terminal() {
			// Blocked by an upstream failure before its batch started.
			continue
		}
		runnable = append(runnable, cur)
	}

	o.emitter.Emit(ctx, events.New(events.TypeBatchStarted, wf.ID, map[string]any{
		"batch": batch.Index,
		"tasks": len(runnable),
	}))
	o.log.Info(ctx, "batch dispatching",
		zap.String("workflow.id", wf.ID),
		zap.Int("batch.index", batch.Index),
		zap.Int("batch.tasks", len(runnable)),
	)

	parallel := o.cfg.MaxParallel
	if parallel < 1 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)
	out := make(chan router.Result, len(runnable))
	routeCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, t := range runnable {
		if err := graph.MarkRunning(t.ID); err != nil {
			o.log.Warn(ctx, "task not dispatchable",
				zap.String("task.id", t.ID),
				zap.Error(err),
			)
			continue
		}
		wg.Add(1)
		go func(t planner.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := o.delegator.Route(routeCtx, o.delegationRequest(wf, spec, t))
			if err != nil {
				// Pre-dispatch rejection: the task fails without retry.
				res = router.Result{
					TaskID:  t.ID,
					Role:    t.Role,
					Outcome: router.OutcomeConfigError,
					Err:     err,
				}
			}
			out <- res
		}(t)
	}
	wg.Wait()
	close(out)

	results := make([]router.Result, 0, len(runnable))
	for res := range out {
		results = append(results, res)
	}
	return results
}

// delegationRequest assembles the routed request: the specification's
// documents form the context bundle with the task description riding at
// the highest weight.
func (o *Orchestrator) delegationRequest(wf *Workflow, spec lifecycle.Specification, t planner.Task) router.Request {
	var bundle pipeline.Bundle
	bundle.Add("task", t.Description, 1.5)

	names := make([]string, 0, len(spec.Documents))
	for name := range spec.Documents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bundle.Add(name, spec.Documents[name], 1.0)
	}

	return router.Request{
		TaskID:      t.ID,
		WorkflowID:  wf.ID,
		Role:        t.Role,
		TaskType:    t.Type,
		Description: t.Description,
		Bundle:      bundle,
	}
}

// applyResults settles one resolved batch: task statuses, blocked
// dependents, aggregation, and the batch event.
func (o *Orchestrator) applyResults(ctx context.Context, wf *Workflow, graph *planner.Graph, batch planner.Batch, results []router.Result) {
	completed, failed := 0, 0
	var blocked []string
	for _, res := range results {
		if res.Success {
			completed++
			if err := graph.MarkCompleted(res.TaskID); err != nil {
				o.log.Warn(ctx, "completion not recorded",
					zap.String("task.id", res.TaskID),
					zap.Error(err),
				)
			}
			continue
		}

		failed++
		ids, err := graph.MarkFailed(res.TaskID)
		if err != nil {
			o.log.Warn(ctx, "failure not recorded",
				zap.String("task.id", res.TaskID),
				zap.Error(err),
			)
		}
		blocked = append(blocked, ids...)
		o.log.Warn(ctx, "task failed",
			zap.String("workflow.id", wf.ID),
			zap.String("task.id", res.TaskID),
			zap.String("task.outcome", string(res.Outcome)),
			zap.Strings("task.blocked_dependents", ids),
			zap.Error(res.Err),
		)
	}

	o.mu.Lock()
	wf.Results = append(wf.Results, results...)
	o.mu.Unlock()

	o.metrics.tasks.WithLabelValues(string(planner.StatusCompleted)).Add(float64(completed))
	o.metrics.tasks.WithLabelValues(string(planner.StatusFailed)).Add(float64(failed))
	o.metrics.tasks.WithLabelValues(string(planner.StatusBlocked)).Add(float64(len(blocked)))

	o.emitter.Emit(ctx, events.New(events.TypeBatchCompleted, wf.ID, map[string]any{
		"batch":     batch.Index,
		"completed": completed,
		"failed":    failed,
		"blocked":   blocked,
	}))
}

// advance moves the workflow one state forward and announces it.
func (o *Orchestrator) advance(ctx context.Context, wf *Workflow, to State) error {
	o.mu.Lock()
	from := wf.State
	if !transitionAllowed(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s cannot move %s -> %s", wf.ID, from, to)
	}
	wf.State = to
	o.mu.Unlock()

	o.emitter.Emit(ctx, events.New(events.TypeWorkflowPhase, wf.ID, map[string]any{
		"from": string(from),
		"to":   string(to),
	}))
	o.log.Info(ctx, "workflow phase",
		zap.String("workflow.id", wf.ID),
		zap.String("workflow.state", string(to)),
	)
	return nil
}

func (o *Orchestrator) resultsSnapshot(wf *Workflow) []router.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]router.Result(nil), wf.Results...)
}

// fail settles the workflow in StateFailed with an operator-visible
// reason. It returns the terminal snapshot and the propagated error.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, wf *Workflow, reason string, cause error) (Workflow, error) {
	o.mu.Lock()
	wf.State = StateFailed
	wf.Reason = reason
	wf.FinishedAt = time.Now().UTC()
	snap := wf.snapshotLocked()
	o.mu.Unlock()

	o.metrics.workflows.WithLabelValues(string(StateFailed)).Inc()
	o.metrics.duration.Observe(snap.FinishedAt.Sub(snap.StartedAt).Seconds())
	o.emitter.Emit(ctx, events.New(events.TypeWorkflowFailed, wf.ID, map[string]any{
		"reason": reason,
		"error":  cause.Error(),
		"score":  snap.Health.Score,
	}))
	span.RecordError(cause)
	span.SetStatus(codes.Error, reason)
	o.log.Error(ctx, "workflow failed",
		zap.String("workflow.id", wf.ID),
		zap.String("workflow.reason", reason),
		zap.Float64("workflow.health", snap.Health.Score),
		zap.Error(cause),
	)
	return snap, fmt.Errorf("workflow %s: %s: %w", wf.ID, reason, cause)
}

// complete settles the workflow in StateCompleted.
func (o *Orchestrator) complete(ctx context.Context, span trace.Span, wf *Workflow) (Workflow, error) {
	o.mu.Lock()
	wf.State = StateCompleted
	wf.FinishedAt = time.Now().UTC()
	snap := wf.snapshotLocked()
	o.mu.Unlock()

	o.metrics.workflows.WithLabelValues(string(StateCompleted)).Inc()
	o.metrics.duration.Observe(snap.FinishedAt.Sub(snap.StartedAt).Seconds())
	o.emitter.Emit(ctx, events.New(events.TypeWorkflowCompleted, wf.ID, map[string]any{
		"score":     snap.Health.Score,
		"succeeded": snap.Health.Succeeded,
		"failed":    snap.Health.Failed,
		"blocked":   snap.Health.Blocked,
	}))
	span.SetStatus(codes.Ok, "")
	o.log.Info(ctx, "workflow completed",
		zap.String("workflow.id", wf.ID),
		zap.Float64("workflow.health", snap.Health.Score),
		zap.Duration("workflow.duration", snap.FinishedAt.Sub(snap.StartedAt)),
	)
	return snap, nil
}
