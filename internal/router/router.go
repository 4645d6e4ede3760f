// Package router dispatches one delegation to a worker backend.
//
// A route acquires a capacity slot from the governor, builds a private
// budgeted payload through the pipeline, invokes the backend bound to
// the role with a per-attempt deadline, and retries transient failures
// with exponential backoff up to the role's attempt ceiling. The final
// outcome is classified, written to memory exactly once, and emitted as
// one structured event; intermediate attempts never touch memory.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/governor"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/memory"
	"github.com/fyrsmithlabs/conductd/internal/pipeline"
	"github.com/fyrsmithlabs/conductd/internal/role"
)

var tracer = otel.Tracer("conductd.router")

// Delegation errors.
var (
	// ErrTimeout classifies a delegation whose final attempt exceeded
	// the role's per-attempt deadline.
	ErrTimeout = errors.New("delegation timed out")

	// ErrBackend classifies a delegation whose final attempt failed in
	// the backend.
	ErrBackend = errors.New("backend failure")

	// ErrPermanent marks backend failures that retrying cannot fix.
	// Backends wrap it to suppress retries; any other backend error is
	// treated as transient.
	ErrPermanent = errors.New("permanent backend failure")
)

// Outcome classifies the final result of one routed delegation.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeBackendError   Outcome = "backend_error"
	OutcomeResourceDenied Outcome = "resource_denied"

	// OutcomeConfigError marks a delegation rejected before dispatch:
	// an unbound role or a payload that cannot meet its budget. It is
	// never retried and never consumes capacity.
	OutcomeConfigError Outcome = "config_error"
)

// Request describes one delegation to route.
type Request struct {
	// TaskID identifies the parent task.
	TaskID string

	// WorkflowID tags emitted events.
	WorkflowID string

	// Role selects the backend and policy.
	Role role.Role

	// TaskType narrows episodic memory enrichment and tags the episode
	// written for this delegation.
	TaskType string

	// Description is the work order handed to the backend.
	Description string

	// Bundle is the raw context; the pipeline fits it to the role's
	// budget.
	Bundle pipeline.Bundle

	// CPUMilli and MemoryMB estimate the resource cost for admission.
	CPUMilli int
	MemoryMB int
}

// Result is the classified final outcome of one routed delegation.
type Result struct {
	TaskID   string
	Role     role.Role
	Outcome  Outcome
	Success  bool
	Output   string
	Tokens   int
	Attempts int
	Duration time.Duration

	// Err carries the classified error; nil on success.
	Err error
}

// ContextBuilder assembles the budgeted payload for one delegation.
// *pipeline.Pipeline satisfies it.
type ContextBuilder interface {
	Build(ctx context.Context, req pipeline.Request, pol role.Policy) (*pipeline.Payload, error)
}

// MemoryWriter records delegation outcomes. *memory.Store satisfies it.
type MemoryWriter interface {
	Write(ctx context.Context, key, value string, origin role.Role) (memory.Record, error)
	AddEpisode(ctx context.Context, ep memory.Episode) error
}

// Router routes delegations to registered backends.
type Router struct {
	cfg      config.RouterConfig
	log      *logging.Logger
	registry *role.Registry
	governor *governor.Governor
	builder  ContextBuilder
	memory   MemoryWriter
	emitter  events.Emitter
	metrics  *metrics
}

// New assembles a router. emitter may be nil to drop events; reg may be
// nil.
func New(
	cfg config.RouterConfig,
	registry *role.Registry,
	gov *governor.Governor,
	builder ContextBuilder,
	mem MemoryWriter,
	emitter events.Emitter,
	log *logging.Logger,
	reg prometheus.Registerer,
) *Router {
	if log == nil {
		log = logging.NewNop()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Router{
		cfg:      cfg,
		log:      log.Named("router"),
		registry: registry,
		governor: gov,
		builder:  builder,
		memory:   mem,
		emitter:  emitter,
		metrics:  newMetrics(reg),
	}
}

// Route dispatches one delegation and returns its classified result.
//
// Configuration failures (an unbound role, a payload that cannot meet
// its budget) fail immediately with an error and no retry. Once the
// delegation is admitted (or denied) by the governor, the outcome comes
// back classified inside the Result: success, timeout, backend_error,
// or resource_denied.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "router.Route",
		trace.WithAttributes(
			attribute.String("delegation.role", string(req.Role)),
			attribute.String("delegation.task_id", req.TaskID),
		),
	)
	defer span.End()
	start := time.Now()

	binding, err := r.registry.Binding(req.Role)
	if err != nil {
		return Result{}, r.configFailure(ctx, span, req, start, err)
	}
	pol := binding.Policy

	payload, err := r.builder.Build(ctx, pipeline.Request{
		Role:        req.Role,
		TaskType:    req.TaskType,
		Description: req.Description,
		Bundle:      req.Bundle,
	}, pol)
	if err != nil {
		return Result{}, r.configFailure(ctx, span, req, start, err)
	}

	slot, err := r.governor.Acquire(ctx, governor.Request{
		TaskID:   req.TaskID,
		Role:     req.Role,
		CPUMilli: req.CPUMilli,
		MemoryMB: req.MemoryMB,
	})
	if err != nil {
		result := Result{
			TaskID:   req.TaskID,
			Role:     req.Role,
			Outcome:  OutcomeResourceDenied,
			Duration: time.Since(start),
			Err:      err,
		}
		r.finish(ctx, span, req, &result)
		return result, nil
	}

	rendered := payload.Render()
	attempts := 0
	invoke := func() (attemptResult, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, pol.Timeout)
		defer cancel()

		output, tokens, execErr := binding.Backend.Execute(attemptCtx, req.Role, req.Description, rendered)
		if execErr == nil {
			return attemptResult{output: output, tokens: tokens}, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return attemptResult{}, fmt.Errorf("%w after %s: %v", ErrTimeout, pol.Timeout, execErr)
		}
		if errors.Is(execErr, ErrPermanent) {
			return attemptResult{}, backoff.Permanent(execErr)
		}
		return attemptResult{}, execErr
	}

	expo := backoff.NewExponentialBackOff()
	if pol.BackoffInitial > 0 {
		expo.InitialInterval = pol.BackoffInitial
	}
	if pol.BackoffMax > 0 {
		expo.MaxInterval = pol.BackoffMax
	}
	maxTries := pol.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	attempt, retryErr := backoff.Retry(ctx, invoke,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(maxTries)),
	)
	slot.Release()

	result := Result{
		TaskID:   req.TaskID,
		Role:     req.Role,
		Output:   attempt.output,
		Tokens:   attempt.tokens,
		Attempts: attempts,
		Duration: time.Since(start),
	}
	result.Outcome, result.Err = classify(retryErr)
	result.Success = result.Outcome == OutcomeSuccess

	r.finish(ctx, span, req, &result)
	return result, nil
}

type attemptResult struct {
	output string
	tokens int
}

// classify maps the final retry error onto the delegation taxonomy.
func classify(err error) (Outcome, error) {
	switch {
	case err == nil:
		return OutcomeSuccess, nil
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout, err
	default:
		return OutcomeBackendError, fmt.Errorf("%w: %w", ErrBackend, err)
	}
}

// configFailure reports a pre-dispatch failure: no capacity was
// consumed and nothing is retried, but the call still emits its event.
func (r *Router) configFailure(ctx context.Context, span trace.Span, req Request, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.delegations.WithLabelValues(string(req.Role), string(OutcomeConfigError)).Inc()
	r.emitter.Emit(ctx, events.New(events.TypeDelegation, req.WorkflowID, map[string]any{
		"task_id":     req.TaskID,
		"role":        string(req.Role),
		"outcome":     string(OutcomeConfigError),
		"duration_ms": time.Since(start).Milliseconds(),
		"error":       err.Error(),
	}))
	r.log.Error(ctx, "delegation rejected before dispatch",
		zap.String("delegation.task_id", req.TaskID),
		zap.String("delegation.role", string(req.Role)),
		zap.Error(err),
	)
	return err
}

// finish records the classified outcome: metrics, exactly one memory
// record, one episode, and one structured event.
func (r *Router) finish(ctx context.Context, span trace.Span, req Request, result *Result) {
	r.metrics.delegations.WithLabelValues(string(req.Role), string(result.Outcome)).Inc()
	r.metrics.duration.WithLabelValues(string(req.Role)).Observe(result.Duration.Seconds())
	r.metrics.attempts.Observe(float64(result.Attempts))

	r.record(ctx, req, result)

	r.emitter.Emit(ctx, events.New(events.TypeDelegation, req.WorkflowID, map[string]any{
		"task_id":     req.TaskID,
		"role":        string(req.Role),
		"outcome":     string(result.Outcome),
		"attempts":    result.Attempts,
		"duration_ms": result.Duration.Milliseconds(),
		"tokens":      result.Tokens,
	}))

	span.SetAttributes(
		attribute.String("delegation.outcome", string(result.Outcome)),
		attribute.Int("delegation.attempts", result.Attempts),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Outcome))
		r.log.Warn(ctx, "delegation failed",
			zap.String("delegation.task_id", req.TaskID),
			zap.String("delegation.role", string(req.Role)),
			zap.String("delegation.outcome", string(result.Outcome)),
			zap.Int("delegation.attempts", result.Attempts),
			zap.Error(result.Err),
		)
		return
	}
	span.SetStatus(codes.Ok, "")
	r.log.Info(ctx, "delegation completed",
		zap.String("delegation.task_id", req.TaskID),
		zap.String("delegation.role", string(req.Role)),
		zap.Int("delegation.attempts", result.Attempts),
		zap.Duration("delegation.duration", result.Duration),
	)
}

// record persists the final outcome: one long-term record keyed by the
// task and one ranked episode. Intermediate attempts are never written.
// Memory failures are logged, not propagated: the delegation outcome
// already stands.
func (r *Router) record(ctx context.Context, req Request, result *Result) {
	if r.memory == nil {
		return
	}

	summary := fmt.Sprintf("outcome=%s attempts=%d duration=%s tokens=%d",
		result.Outcome, result.Attempts, result.Duration.Round(time.Millisecond), result.Tokens)
	if result.Err != nil {
		summary += "\nerror: " + result.Err.Error()
	} else if result.Output != "" {
		summary += "\n" + head(result.Output, 2000)
	}

	if _, err := r.memory.Write(ctx, "delegation/"+req.TaskID, summary, req.Role); err != nil {
		r.log.Error(ctx, "delegation outcome not recorded",
			zap.String("delegation.task_id", req.TaskID),
			zap.Error(err),
		)
	}

	episode := memory.Episode{
		Role:     req.Role,
		TaskType: req.TaskType,
		Summary:  summary,
		Success:  result.Success,
		Tokens:   result.Tokens,
		Duration: result.Duration,
	}
	if err := r.memory.AddEpisode(ctx, episode); err != nil {
		r.log.Warn(ctx, "episode not recorded",
			zap.String("delegation.task_id", req.TaskID),
			zap.Error(err),
		)
	}
}

// head returns at most n bytes of s, cut at a rune boundary.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
