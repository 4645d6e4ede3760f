package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/intake"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/orchestrator"
	"github.com/fyrsmithlabs/conductd/internal/planner"
	"github.com/fyrsmithlabs/conductd/internal/role"
	"github.com/fyrsmithlabs/conductd/internal/worker"
)

const featureManifest = `id: spec-payments-v1
name: payments
documents:
  - name: prd
    text: Charge cards through the provider API and persist receipts.
tasks:
  - id: T1
    role: architect
    description: Design the charge flow
    type: design
    priority: 5
  - id: T2
    role: coder
    description: Implement the charge endpoint
    type: feature
    depends_on: [T1]
  - id: T3
    role: tester
    description: Cover declines and retries
    type: testing
    depends_on: [T2]
`

type acceptedManifest struct {
	spec  lifecycle.Specification
	tasks []planner.Task
}

// TestE2E_SpoolToCompletedWorkflow validates the full daemon path:
// 1. Drop a manifest into the spool directory
// 2. The watcher ingests it into the backlog
// 3. The orchestrator scopes, plans, and executes it over NATS workers
// 4. The specification lands in completed and memory holds the outputs
func TestE2E_SpoolToCompletedWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	ctx := context.Background()
	srv := startTestNATSServer(t)
	cfg := testConfig(t, srv.ClientURL())
	eng := newTestEngine(t, cfg)
	startWorkers(t, srv.ClientURL(), cfg.Workers.SubjectPrefix, succeedAll)

	manifestPath := filepath.Join(cfg.Intake.SpoolDir, "payments.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(featureManifest), 0o600))

	acceptedCh := make(chan acceptedManifest, 1)
	watcher, err := intake.NewWatcher(cfg.Intake, eng.lifecycle,
		func(_ context.Context, spec lifecycle.Specification, tasks []planner.Task) {
			acceptedCh <- acceptedManifest{spec: spec, tasks: tasks}
		}, logging.NewNop(), nil)
	require.NoError(t, err, "Should create spool watcher")
	require.NoError(t, watcher.Start(ctx), "Should start spool watcher")
	t.Cleanup(watcher.Stop)

	var accepted acceptedManifest
	select {
	case accepted = <-acceptedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("Manifest was not ingested in time")
	}
	assert.Equal(t, "spec-payments-v1", accepted.spec.ID, "Manifest id should pin the specification id")
	assert.Equal(t, lifecycle.StageBacklog, accepted.spec.Stage)
	require.Len(t, accepted.tasks, 3)

	wf, err := eng.orchestrator.Run(ctx, accepted.spec, accepted.tasks)
	require.NoError(t, err, "Workflow should complete")
	assert.Equal(t, orchestrator.StateCompleted, wf.State)
	assert.Equal(t, 1.0, wf.Health.Score, "All tasks succeeded")
	assert.Len(t, wf.Results, 3)
	for _, res := range wf.Results {
		assert.True(t, res.Success, "Task %s should succeed", res.TaskID)
	}

	// The specification finished every task, so it must land in
	// completed and the stages must stay disjoint.
	spec, err := eng.lifecycle.Get(ctx, accepted.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StageCompleted, spec.Stage)
	assert.NoError(t, eng.lifecycle.VerifyDisjoint(ctx))

	// Each delegation persisted one long-term record and one episode.
	for _, id := range []string{"T1", "T2", "T3"} {
		rec, err := eng.memory.Retrieve(ctx, "delegation/"+id)
		require.NoError(t, err, "Delegation %s should be remembered", id)
		assert.NotEmpty(t, rec.Value)
	}
	assert.Equal(t, 3, eng.memory.Stats().Episodic)

	// The run narrated itself: creation, two stage moves, batches, and
	// per-task delegations.
	assert.NotEmpty(t, eng.emitter.ByType(events.TypeWorkflowCreated))
	assert.Len(t, eng.emitter.ByType(events.TypeSpecMoved), 3, "created, scoped, completed")
	assert.Len(t, eng.emitter.ByType(events.TypeDelegation), 3)
	assert.Len(t, eng.emitter.ByType(events.TypeBatchStarted), 3, "Chain of dependencies yields one task per batch")
	assert.NotEmpty(t, eng.emitter.ByType(events.TypeWorkflowCompleted))

	// The spool file was set aside so a restart cannot re-ingest it.
	_, err = os.Stat(manifestPath)
	assert.True(t, os.IsNotExist(err), "Original manifest should be renamed")
	_, err = os.Stat(manifestPath + ".accepted")
	assert.NoError(t, err, "Accepted manifest should be kept under the accepted suffix")
}

// TestE2E_PermanentFailureBlocksDependents drives a workflow whose root
// task fails permanently and verifies the failure cascades: dependents
// block, the workflow fails validation, and the specification stays in
// scope with remediation guidance.
func TestE2E_PermanentFailureBlocksDependents(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	ctx := context.Background()
	srv := startTestNATSServer(t)
	cfg := testConfig(t, srv.ClientURL())
	eng := newTestEngine(t, cfg)
	startWorkers(t, srv.ClientURL(), cfg.Workers.SubjectPrefix,
		func(r role.Role, req worker.Request) worker.Response {
			if r == role.Architect {
				return worker.Response{Error: "requirements unresolvable", Permanent: true}
			}
			return succeedAll(r, req)
		})

	spec, err := eng.lifecycle.Create(ctx, lifecycle.Specification{
		Name:      "doomed",
		Documents: map[string]string{"prd": "unbuildable"},
	})
	require.NoError(t, err)

	tasks := []planner.Task{
		{ID: "T1", Role: role.Architect, Description: "design", Type: "design"},
		{ID: "T2", Role: role.Coder, Description: "implement", Type: "feature", DependsOn: []string{"T1"}},
	}

	wf, err := eng.orchestrator.Run(ctx, spec, tasks)
	require.Error(t, err, "Workflow should fail validation")
	assert.Equal(t, orchestrator.StateFailed, wf.State)
	assert.Equal(t, "validation failed", wf.Reason)
	assert.Equal(t, 0.0, wf.Health.Score)
	assert.Equal(t, 1, wf.Health.Failed)
	assert.Equal(t, 1, wf.Health.Blocked)

	require.NotEmpty(t, wf.Health.Remediation, "Failed roles should get remediation guidance")
	assert.Equal(t, string(role.Architect), wf.Health.Remediation[0].Role)

	// The failed specification must stay in scope for a follow-up run.
	after, err := eng.lifecycle.Get(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StageInScope, after.Stage)
	assert.NoError(t, eng.lifecycle.VerifyDisjoint(ctx))

	assert.NotEmpty(t, eng.emitter.ByType(events.TypeWorkflowFailed))
}

// TestE2E_RedroppedManifestRejected re-drops an already ingested
// manifest and verifies the pinned id makes the second copy a rejected
// duplicate instead of a second specification.
func TestE2E_RedroppedManifestRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	ctx := context.Background()
	srv := startTestNATSServer(t)
	cfg := testConfig(t, srv.ClientURL())
	eng := newTestEngine(t, cfg)

	acceptedCh := make(chan acceptedManifest, 2)
	watcher, err := intake.NewWatcher(cfg.Intake, eng.lifecycle,
		func(_ context.Context, spec lifecycle.Specification, tasks []planner.Task) {
			acceptedCh <- acceptedManifest{spec: spec, tasks: tasks}
		}, logging.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(ctx))
	t.Cleanup(watcher.Stop)

	first := filepath.Join(cfg.Intake.SpoolDir, "payments.yaml")
	require.NoError(t, os.WriteFile(first, []byte(featureManifest), 0o600))
	select {
	case <-acceptedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("First manifest was not ingested in time")
	}

	// Same manifest under a new file name: the pinned id collides.
	second := filepath.Join(cfg.Intake.SpoolDir, "payments-again.yaml")
	require.NoError(t, os.WriteFile(second, []byte(featureManifest), 0o600))

	require.Eventually(t, func() bool {
		_, err := os.Stat(second + ".rejected")
		return err == nil
	}, 10*time.Second, 50*time.Millisecond, "Duplicate manifest should be set aside as rejected")

	select {
	case extra := <-acceptedCh:
		t.Fatalf("Duplicate manifest was accepted as %s", extra.spec.ID)
	default:
	}

	backlog, err := eng.lifecycle.ByStage(ctx, lifecycle.StageBacklog)
	require.NoError(t, err)
	assert.Len(t, backlog, 1, "Only one specification should exist")
}
