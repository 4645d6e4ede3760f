package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/intake"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/orchestrator"
	"github.com/fyrsmithlabs/conductd/internal/planner"
)

const manifestBody = `
id: billing-q3
name: billing pipeline
documents:
  - name: prd
    text: Bill the customers monthly.
tasks:
  - id: T1
    role: architect
    description: design the schema
  - id: T2
    role: coder
    description: implement invoicing
    depends_on: [T1]
`

type fakeFlows struct {
	items []orchestrator.Workflow
}

func (f *fakeFlows) Workflows() []orchestrator.Workflow {
	return append([]orchestrator.Workflow(nil), f.items...)
}

func (f *fakeFlows) Workflow(id string) (orchestrator.Workflow, bool) {
	for _, wf := range f.items {
		if wf.ID == id {
			return wf, true
		}
	}
	return orchestrator.Workflow{}, false
}

type fakeSpecs struct {
	mu    sync.Mutex
	err   error
	specs []lifecycle.Specification
}

func (f *fakeSpecs) Create(_ context.Context, spec lifecycle.Specification) (lifecycle.Specification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return lifecycle.Specification{}, f.err
	}
	if spec.ID == "" {
		spec.ID = fmt.Sprintf("spec-%d", len(f.specs)+1)
	}
	spec.Stage = lifecycle.StageBacklog
	f.specs = append(f.specs, spec)
	return spec, nil
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "localhost",
		Port:            9091,
		ReadTimeout:     config.Duration(5 * time.Second),
		WriteTimeout:    config.Duration(5 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

func setupTestServer(t *testing.T, flows WorkflowReader, specs SpecCreator, accept intake.AcceptFunc, checks map[string]ReadyCheck) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := NewServer(testServerConfig(), flows, specs, accept, checks, reg, nil, reg)
	require.NoError(t, err)
	return s
}

func TestNewServer(t *testing.T) {
	t.Run("requires workflow reader", func(t *testing.T) {
		_, err := NewServer(testServerConfig(), nil, &fakeSpecs{}, nil, nil, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workflow reader")
	})

	t.Run("requires spec creator", func(t *testing.T) {
		_, err := NewServer(testServerConfig(), &fakeFlows{}, nil, nil, nil, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "spec creator")
	})

	t.Run("creates server", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)
		assert.NotNil(t, s.echo)
		assert.Equal(t, 5*time.Second, s.echo.Server.ReadTimeout)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleReady(t *testing.T) {
	t.Run("ready when every check passes", func(t *testing.T) {
		checks := map[string]ReadyCheck{
			"lifecycle": func(context.Context) error { return nil },
			"memory":    func(context.Context) error { return nil },
		}
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, checks)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, "ok", resp.Checks["lifecycle"])
	})

	t.Run("degraded when a check fails", func(t *testing.T) {
		checks := map[string]ReadyCheck{
			"lifecycle": func(context.Context) error { return nil },
			"memory":    func(context.Context) error { return errors.New("index rebuilding") },
		}
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, checks)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "index rebuilding", resp.Checks["memory"])
		assert.Equal(t, "ok", resp.Checks["lifecycle"])
	})

	t.Run("ready with no checks", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleWorkflows(t *testing.T) {
	flows := &fakeFlows{items: []orchestrator.Workflow{
		{ID: "wf-2", SpecID: "spec-2", State: orchestrator.StateExecuting},
		{ID: "wf-1", SpecID: "spec-1", State: orchestrator.StateCompleted},
	}}
	s := setupTestServer(t, flows, &fakeSpecs{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp WorkflowListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 2)
	assert.Equal(t, "wf-2", resp.Workflows[0].ID)
	assert.Equal(t, orchestrator.StateCompleted, resp.Workflows[1].State)
}

func TestHandleWorkflow(t *testing.T) {
	flows := &fakeFlows{items: []orchestrator.Workflow{
		{ID: "wf-1", SpecID: "spec-1", State: orchestrator.StateCompleted,
			Health: orchestrator.HealthReport{Score: 1, Total: 3, Succeeded: 3}},
	}}
	s := setupTestServer(t, flows, &fakeSpecs{}, nil, nil)

	t.Run("returns the snapshot", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/workflows/wf-1", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var wf orchestrator.Workflow
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
		assert.Equal(t, "wf-1", wf.ID)
		assert.InDelta(t, 1.0, wf.Health.Score, 1e-9)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/workflows/ghost", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleCreateSpecification(t *testing.T) {
	t.Run("creates and hands off", func(t *testing.T) {
		specs := &fakeSpecs{}
		var mu sync.Mutex
		var accepted []planner.Task
		accept := func(_ context.Context, _ lifecycle.Specification, tasks []planner.Task) {
			mu.Lock()
			defer mu.Unlock()
			accepted = append(accepted, tasks...)
		}
		s := setupTestServer(t, &fakeFlows{}, specs, accept, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/specifications", strings.NewReader(manifestBody))
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp SpecificationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "billing-q3", resp.Specification.ID)
		assert.Equal(t, lifecycle.StageBacklog, resp.Specification.Stage)
		assert.Equal(t, 2, resp.Tasks)

		mu.Lock()
		assert.Len(t, accepted, 2)
		mu.Unlock()
	})

	t.Run("rejects invalid manifest", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/specifications", strings.NewReader("name: [unclosed"))
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

		body := "name: demo\ntasks:\n  - id: T1\n    role: wizard\n    description: cast\n"
		req := httptest.NewRequest(http.MethodPost, "/v1/specifications", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown role")
	})

	t.Run("rejects empty body", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/specifications", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate specification is 409", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{err: lifecycle.ErrExists}, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/specifications", strings.NewReader(manifestBody))
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("store failure is 500", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{err: errors.New("disk full")}, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/specifications", strings.NewReader(manifestBody))
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

	// Serve one request first so the counter has a sample to expose.
	warm := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.echo.ServeHTTP(httptest.NewRecorder(), warm)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductd_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/healthz"`)
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request id", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panics", func(t *testing.T) {
		s := setupTestServer(t, &fakeFlows{}, &fakeSpecs{}, nil, nil)
		s.echo.GET("/panic", func(echo.Context) error { panic("boom") })

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() { s.echo.ServeHTTP(rec, req) })
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestServerLifecycle(t *testing.T) {
	cfg := testServerConfig()
	cfg.Port = 0
	reg := prometheus.NewRegistry()
	s, err := NewServer(cfg, &fakeFlows{}, &fakeSpecs{}, nil, nil, reg, nil, reg)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() { errChan <- s.Start() }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
