package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/logging"
)

var tracer = otel.Tracer("conductd.lifecycle")

// specStore is the storage surface the manager drives. *Store satisfies
// it; tests substitute faulty implementations to exercise the retry
// path.
type specStore interface {
	Create(ctx context.Context, spec Specification) (Specification, error)
	Get(ctx context.Context, id string) (Specification, error)
	ByStage(ctx context.Context, stage Stage) ([]Specification, error)
	Stages(ctx context.Context) (map[Stage][]string, error)
	VerifyDisjoint(ctx context.Context) error
	move(ctx context.Context, id string, from, to Stage, at time.Time) error
	contains(ctx context.Context, id string, stage Stage) (bool, error)
	stageCounts(ctx context.Context) (map[Stage]int, error)
}

// Manager drives verified stage transitions. Every transition commits,
// is re-read to confirm the id left the source collection and arrived
// in the destination, and only then reports success; an unverified move
// retries up to MoveAttempts before escalating ErrLifecycle. Lifecycle
// events carry the specification id in the workflow field.
type Manager struct {
	cfg     config.LifecycleConfig
	log     *logging.Logger
	store   specStore
	emitter events.Emitter
	metrics *metrics
}

// NewManager assembles a manager over the store. emitter may be nil to
// drop events; reg may be nil.
func NewManager(
	cfg config.LifecycleConfig,
	store *Store,
	emitter events.Emitter,
	log *logging.Logger,
	reg prometheus.Registerer,
) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Manager{
		cfg:     cfg,
		log:     log.Named("lifecycle"),
		store:   store,
		emitter: emitter,
		metrics: newMetrics(reg),
	}
}

// Create stores a new specification in Backlog and announces it. A
// caller-set id is honored, so re-submitting the same manifest reports
// ErrExists instead of minting a second specification.
func (m *Manager) Create(ctx context.Context, spec Specification) (Specification, error) {
	spec, err := m.store.Create(ctx, spec)
	if err != nil {
		return Specification{}, err
	}

	m.observeStages(ctx)
	m.emitter.Emit(ctx, events.New(events.TypeSpecMoved, spec.ID, map[string]any{
		"spec_id": spec.ID,
		"name":    spec.Name,
		"from":    "",
		"to":      string(StageBacklog),
	}))
	m.log.Info(ctx, "specification created",
		zap.String("spec.id", spec.ID),
		zap.String("spec.name", spec.Name),
	)
	return spec, nil
}

// Get returns the specification with the given id.
func (m *Manager) Get(ctx context.Context, id string) (Specification, error) {
	return m.store.Get(ctx, id)
}

// ByStage returns one stage collection, oldest first.
func (m *Manager) ByStage(ctx context.Context, stage Stage) ([]Specification, error) {
	return m.store.ByStage(ctx, stage)
}

// Stages returns the ids in each stage collection.
func (m *Manager) Stages(ctx context.Context) (map[Stage][]string, error) {
	return m.store.Stages(ctx)
}

// VerifyDisjoint checks the pairwise-disjointness invariant.
func (m *Manager) VerifyDisjoint(ctx context.Context) error {
	return m.store.VerifyDisjoint(ctx)
}

// MoveToScope moves a Backlog specification into InScope. Calling it on
// a specification already InScope succeeds without touching the row.
func (m *Manager) MoveToScope(ctx context.Context, id string) (Specification, error) {
	return m.transition(ctx, id, StageBacklog, StageInScope, nil)
}

// MoveToCompleted moves an InScope specification into Completed. The
// caller attests that every task finished Done; a move without that
// attestation is a lifecycle violation.
func (m *Manager) MoveToCompleted(ctx context.Context, id string, tasksDone bool) (Specification, error) {
	guard := func(Specification) error {
		if !tasksDone {
			return fmt.Errorf("%w: %s has unfinished tasks", ErrLifecycle, id)
		}
		return nil
	}
	return m.transition(ctx, id, StageInScope, StageCompleted, guard)
}

// transition performs one verified stage move with bounded retries.
func (m *Manager) transition(ctx context.Context, id string, from, to Stage, guard func(Specification) error) (Specification, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec.id", id),
		attribute.String("spec.from", string(from)),
		attribute.String("spec.to", string(to)),
	)

	attempts := m.cfg.MoveAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			m.metrics.retries.Inc()
			select {
			case <-ctx.Done():
				return Specification{}, ctx.Err()
			case <-time.After(m.cfg.MoveRetryDelay.Duration()):
			}
		}

		spec, err := m.store.Get(ctx, id)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Specification{}, err
		}
		if spec.Stage == to {
			// Already moved: idempotent success, no duplicate records.
			span.SetStatus(codes.Ok, "")
			return spec, nil
		}
		if spec.Stage != from {
			err := fmt.Errorf("%w: %s is in %s, expected %s", ErrLifecycle, id, spec.Stage, from)
			span.SetStatus(codes.Error, err.Error())
			return Specification{}, err
		}
		if guard != nil {
			if err := guard(spec); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return Specification{}, err
			}
		}

		if err := m.store.move(ctx, id, from, to, time.Now().UTC()); err != nil {
			if errors.Is(err, ErrLifecycle) || errors.Is(err, ErrNotFound) {
				// Somebody else moved it; re-read and decide again.
				lastErr = err
				continue
			}
			span.SetStatus(codes.Error, err.Error())
			return Specification{}, err
		}
		if err := m.verifyMove(ctx, id, from, to); err != nil {
			lastErr = err
			m.log.Warn(ctx, "stage move failed verification, retrying",
				zap.String("spec.id", id),
				zap.String("spec.to", string(to)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		moved, err := m.store.Get(ctx, id)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Specification{}, err
		}
		m.metrics.moves.WithLabelValues(string(to)).Inc()
		m.observeStages(ctx)
		m.emitter.Emit(ctx, events.New(events.TypeSpecMoved, id, map[string]any{
			"spec_id": id,
			"from":    string(from),
			"to":      string(to),
			"attempt": attempt,
		}))
		m.log.Info(ctx, "specification moved",
			zap.String("spec.id", id),
			zap.String("spec.from", string(from)),
			zap.String("spec.to", string(to)),
			zap.Int("attempt", attempt),
		)
		span.SetStatus(codes.Ok, "")
		return moved, nil
	}

	m.metrics.failures.Inc()
	err := fmt.Errorf("%w: move %s %s → %s not verified after %d attempts: %v",
		ErrLifecycle, id, from, to, attempts, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.log.Error(ctx, "stage move failed",
		zap.String("spec.id", id),
		zap.String("spec.to", string(to)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return Specification{}, err
}

// verifyMove independently confirms the post-condition: the source
// collection no longer holds the id and the destination does.
func (m *Manager) verifyMove(ctx context.Context, id string, from, to Stage) error {
	inFrom, err := m.store.contains(ctx, id, from)
	if err != nil {
		return err
	}
	inTo, err := m.store.contains(ctx, id, to)
	if err != nil {
		return err
	}
	switch {
	case inFrom && inTo:
		return fmt.Errorf("%w: %s present in both %s and %s", ErrLifecycle, id, from, to)
	case inFrom:
		return fmt.Errorf("%w: %s still in %s", ErrLifecycle, id, from)
	case !inTo:
		return fmt.Errorf("%w: %s missing from %s", ErrLifecycle, id, to)
	}
	return nil
}

// observeStages refreshes the per-stage population gauges.
func (m *Manager) observeStages(ctx context.Context) {
	counts, err := m.store.stageCounts(ctx)
	if err != nil {
		m.log.Debug(ctx, "stage counts unavailable", zap.Error(err))
		return
	}
	for stage, n := range counts {
		m.metrics.specs.WithLabelValues(string(stage)).Set(float64(n))
	}
}
