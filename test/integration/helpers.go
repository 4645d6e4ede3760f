package integration

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/governor"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/memory"
	"github.com/fyrsmithlabs/conductd/internal/orchestrator"
	"github.com/fyrsmithlabs/conductd/internal/pipeline"
	"github.com/fyrsmithlabs/conductd/internal/role"
	"github.com/fyrsmithlabs/conductd/internal/router"
	"github.com/fyrsmithlabs/conductd/internal/worker"
)

// startTestNATSServer boots an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err, "Should create NATS server")

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

// startWorkers subscribes a handler for every role so delegations
// resolve. handle runs on NATS delivery goroutines; it must not call
// testing fail helpers.
func startWorkers(t *testing.T, url, prefix string, handle func(r role.Role, req worker.Request) worker.Response) {
	t.Helper()

	nc, err := nats.Connect(url)
	require.NoError(t, err, "Should connect worker to NATS")
	t.Cleanup(nc.Close)

	for _, r := range role.All() {
		r := r
		_, err := nc.Subscribe(prefix+"."+string(r), func(msg *nats.Msg) {
			var req worker.Request
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return
			}
			data, err := json.Marshal(handle(r, req))
			if err != nil {
				return
			}
			_ = msg.Respond(data)
		})
		require.NoError(t, err, "Should subscribe worker for role %s", r)
	}
}

// succeedAll is a worker handler that completes every delegation.
func succeedAll(r role.Role, req worker.Request) worker.Response {
	return worker.Response{
		Output: string(r) + " done: " + req.Description,
		Tokens: len(req.Payload) / 4,
	}
}

// testConfig returns a daemon configuration wired to temp directories
// and the given NATS server.
func testConfig(t *testing.T, natsURL string) *config.Config {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Lifecycle.Path = filepath.Join(t.TempDir(), "specifications.db")
	cfg.Memory.Path = t.TempDir()
	cfg.Memory.Index.Provider = "chromem"
	cfg.Workers.Provider = "nats"
	cfg.Workers.NATSURL = natsURL
	cfg.Intake.Enabled = true
	cfg.Intake.SpoolDir = t.TempDir()
	cfg.Intake.Debounce = config.Duration(50 * time.Millisecond)
	require.NoError(t, cfg.Validate(), "Test configuration should validate")
	return cfg
}

// engine is the assembled daemon core under test.
type engine struct {
	cfg          *config.Config
	emitter      *events.SimpleEmitter
	lifecycle    *lifecycle.Manager
	memory       *memory.Store
	orchestrator *orchestrator.Orchestrator
}

// newTestEngine wires the full delegation path: lifecycle store, memory
// tiers, role registry with NATS backends, governor, pipeline, router,
// and orchestrator. Components close on test cleanup.
func newTestEngine(t *testing.T, cfg *config.Config) *engine {
	t.Helper()

	log := logging.NewNop()
	emitter := events.NewSimpleEmitter()

	store, err := lifecycle.Open(cfg.Lifecycle, log)
	require.NoError(t, err, "Should open lifecycle store")
	t.Cleanup(func() { _ = store.Close() })
	manager := lifecycle.NewManager(cfg.Lifecycle, store, emitter, log, nil)

	mem, err := memory.NewStore(cfg.Memory, log, nil)
	require.NoError(t, err, "Should open memory store")
	t.Cleanup(func() { _ = mem.Close() })

	backend, err := worker.NewNATSBackend(cfg.Workers, log)
	require.NoError(t, err, "Should connect worker backend")
	t.Cleanup(func() { _ = backend.Close() })

	registry := role.NewRegistry(role.DefaultPolicy(cfg.Router, cfg.Pipeline))
	for _, r := range role.All() {
		require.NoError(t, registry.Register(r, backend, role.Policy{}), "Should register role %s", r)
	}

	gov := governor.New(cfg.Governor, log, nil)
	t.Cleanup(gov.Close)

	pipe, err := pipeline.New(cfg.Pipeline, mem, log, nil)
	require.NoError(t, err, "Should build pipeline")

	rtr := router.New(cfg.Router, registry, gov, pipe, mem, emitter, log, nil)

	return &engine{
		cfg:          cfg,
		emitter:      emitter,
		lifecycle:    manager,
		memory:       mem,
		orchestrator: orchestrator.New(cfg.Orchestrator, manager, rtr, emitter, log, nil),
	}
}
