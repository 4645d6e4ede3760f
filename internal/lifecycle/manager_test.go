package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/logging"
)

func newTestManager(t *testing.T) (*Manager, *events.SimpleEmitter) {
	t.Helper()
	cfg := testLifecycleConfig(t)
	store := openTestStore(t, cfg)
	emitter := events.NewSimpleEmitter()
	return NewManager(cfg, store, emitter, logging.NewNop(), nil), emitter
}

// specMoves filters spec_moved events by source stage.
func specMoves(emitter *events.SimpleEmitter, from Stage) []events.Event {
	var out []events.Event
	for _, ev := range emitter.ByType(events.TypeSpecMoved) {
		if ev.Payload["from"] == string(from) {
			out = append(out, ev)
		}
	}
	return out
}

func TestMoveToScope(t *testing.T) {
	t.Parallel()
	m, emitter := newTestManager(t)
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "payments", Documents: map[string]string{"prd": "charge cards"}})
	require.NoError(t, err)

	moved, err := m.MoveToScope(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StageInScope, moved.Stage)
	assert.False(t, moved.ScopedAt.IsZero())

	require.Len(t, specMoves(emitter, StageBacklog), 1)
	require.NoError(t, m.VerifyDisjoint(ctx))
}

func TestMoveToScopeIdempotent(t *testing.T) {
	t.Parallel()
	m, emitter := newTestManager(t)
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "idempotent"})
	require.NoError(t, err)

	first, err := m.MoveToScope(ctx, spec.ID)
	require.NoError(t, err)
	second, err := m.MoveToScope(ctx, spec.ID)
	require.NoError(t, err, "repeating the move succeeds")
	assert.Equal(t, first.Stage, second.Stage)
	assert.Equal(t, first.ScopedAt, second.ScopedAt, "the no-op repeat does not restamp")

	stages, err := m.Stages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{spec.ID}, stages[StageInScope], "no duplicate records")
	assert.Empty(t, stages[StageBacklog])

	assert.Len(t, specMoves(emitter, StageBacklog), 1, "the no-op repeat emits nothing")
}

func TestMoveToCompleted(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "finishable"})
	require.NoError(t, err)
	_, err = m.MoveToScope(ctx, spec.ID)
	require.NoError(t, err)

	done, err := m.MoveToCompleted(ctx, spec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, done.Stage)
	assert.False(t, done.CompletedAt.IsZero())
	require.NoError(t, m.VerifyDisjoint(ctx))
}

func TestMoveToCompletedRequiresScope(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "skipper"})
	require.NoError(t, err)

	// Backlog cannot jump straight to completed.
	_, err = m.MoveToCompleted(ctx, spec.ID, true)
	require.ErrorIs(t, err, ErrLifecycle)

	got, err := m.Get(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StageBacklog, got.Stage)
}

func TestMoveToCompletedRequiresTasksDone(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "unfinished"})
	require.NoError(t, err)
	_, err = m.MoveToScope(ctx, spec.ID)
	require.NoError(t, err)

	_, err = m.MoveToCompleted(ctx, spec.ID, false)
	require.ErrorIs(t, err, ErrLifecycle)

	got, err := m.Get(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StageInScope, got.Stage, "a rejected move changes nothing")
}

func TestMoveUnknownSpecification(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	_, err := m.MoveToScope(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// unappliedMoveStore reports success for the first skip moves without
// changing anything, so verification finds the id still in its source
// collection.
type unappliedMoveStore struct {
	*Store
	mu   sync.Mutex
	skip int
}

func (f *unappliedMoveStore) move(ctx context.Context, id string, from, to Stage, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.skip > 0 {
		f.skip--
		return nil
	}
	return f.Store.move(ctx, id, from, to, at)
}

func TestTransitionRetriesUnverifiedMove(t *testing.T) {
	t.Parallel()
	cfg := testLifecycleConfig(t)
	store := openTestStore(t, cfg)
	emitter := events.NewSimpleEmitter()
	m := &Manager{
		cfg:     cfg,
		log:     logging.NewNop(),
		store:   &unappliedMoveStore{Store: store, skip: 1},
		emitter: emitter,
		metrics: newMetrics(nil),
	}
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "flaky-write"})
	require.NoError(t, err)

	moved, err := m.MoveToScope(ctx, spec.ID)
	require.NoError(t, err, "the retry lands the move")
	assert.Equal(t, StageInScope, moved.Stage)

	moves := specMoves(emitter, StageBacklog)
	require.Len(t, moves, 1)
	assert.Equal(t, 2, moves[0].Payload["attempt"])
	require.NoError(t, m.VerifyDisjoint(ctx))
}

func TestTransitionExhaustsRetries(t *testing.T) {
	t.Parallel()
	cfg := testLifecycleConfig(t)
	cfg.MoveAttempts = 2
	store := openTestStore(t, cfg)
	m := &Manager{
		cfg:     cfg,
		log:     logging.NewNop(),
		store:   &unappliedMoveStore{Store: store, skip: 10},
		emitter: events.NopEmitter{},
		metrics: newMetrics(nil),
	}
	ctx := context.Background()

	spec, err := m.Create(ctx, Specification{Name: "never-lands"})
	require.NoError(t, err)

	_, err = m.MoveToScope(ctx, spec.ID)
	require.ErrorIs(t, err, ErrLifecycle)

	got, err := m.Get(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StageBacklog, got.Stage, "an abandoned move leaves the id in its source")
	require.NoError(t, m.VerifyDisjoint(ctx))
}

func TestConcurrentMovesStayDisjoint(t *testing.T) {
	t.Parallel()
	m, emitter := newTestManager(t)
	ctx := context.Background()

	const specs = 8
	ids := make([]string, 0, specs)
	for i := 0; i < specs; i++ {
		spec, err := m.Create(ctx, Specification{Name: "spec"})
		require.NoError(t, err)
		ids = append(ids, spec.ID)
	}

	// Two racing movers per specification: one wins the transition, the
	// other observes it already in scope and succeeds idempotently.
	var wg sync.WaitGroup
	errs := make(chan error, specs*2)
	for _, id := range ids {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := m.MoveToScope(ctx, id)
				errs <- err
			}(id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stages, err := m.Stages(ctx)
	require.NoError(t, err)
	assert.Empty(t, stages[StageBacklog])
	assert.ElementsMatch(t, ids, stages[StageInScope])
	require.NoError(t, m.VerifyDisjoint(ctx))

	assert.Len(t, specMoves(emitter, StageBacklog), specs, "each spec transitions exactly once")
}
