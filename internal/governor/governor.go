// Package governor admits delegations against shared execution capacity.
//
// Admission is strictly FIFO: a freed slot goes to the longest-waiting
// request, and a later request never jumps the queue even when it would
// fit sooner. Capacity has one hard dimension (concurrent slots) and two
// soft dimensions (estimated CPU millicores and memory MB); a zero
// ceiling disables that dimension. Waiting is bounded: requests that
// cannot be admitted within the configured window are denied rather than
// parked forever.
package governor

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/role"
)

var (
	// ErrResourceDenied indicates admission was refused: capacity did not
	// free within the wait window, or the request can never fit.
	ErrResourceDenied = errors.New("resource denied")

	// ErrClosed indicates the governor is shutting down.
	ErrClosed = errors.New("governor closed")
)

// Request describes the capacity a delegation wants to hold. Zero
// estimates count nothing against the soft ceilings.
type Request struct {
	TaskID   string
	Role     role.Role
	CPUMilli int
	MemoryMB int
}

// Slot is a held admission. Release returns the capacity; releasing
// twice is a no-op.
type Slot struct {
	g   *Governor
	req Request

	once sync.Once
}

// Release frees the slot and wakes queued waiters in FIFO order.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.g.release(s.req) })
}

type waiter struct {
	req     Request
	ready   chan struct{}
	granted bool
	closed  bool
}

// Governor tracks shared capacity and arbitrates admission.
type Governor struct {
	cfg     config.GovernorConfig
	log     *logging.Logger
	limiter *rate.Limiter
	metrics *metrics

	mu       sync.Mutex
	inUse    int
	cpuMilli int
	memoryMB int
	waiters  *list.List
	closed   bool
}

// New creates a governor from configuration. reg may be nil, in which
// case metrics are created unregistered.
func New(cfg config.GovernorConfig, log *logging.Logger, reg prometheus.Registerer) *Governor {
	if log == nil {
		log = logging.NewNop()
	}

	limit := rate.Inf
	burst := 1
	if cfg.AdmitPerSecond > 0 {
		limit = rate.Limit(cfg.AdmitPerSecond)
		burst = cfg.AdmitBurst
		if burst < 1 {
			burst = 1
		}
	}

	return &Governor{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(limit, burst),
		metrics: newMetrics(reg),
		waiters: list.New(),
	}
}

// Acquire admits the request or waits, FIFO, until capacity frees. The
// wait is bounded by the configured window; parent cancellation
// propagates as the context's own error, while an expired window is a
// denial. On success the returned slot must be released.
func (g *Governor) Acquire(ctx context.Context, req Request) (*Slot, error) {
	if req.CPUMilli < 0 || req.MemoryMB < 0 {
		return nil, fmt.Errorf("acquire %s: negative resource estimate", req.TaskID)
	}
	if never, dim := g.neverFits(req); never {
		g.metrics.denied.WithLabelValues("never_fits").Inc()
		return nil, fmt.Errorf("%w: task %s requests more %s than the configured ceiling", ErrResourceDenied, req.TaskID, dim)
	}

	waitCtx := ctx
	if g.cfg.MaxWait.Duration() > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.MaxWait.Duration())
		defer cancel()
	}

	// Admission pacing applies before capacity arbitration so bursts of
	// acquires spread out even when slots are free.
	if err := g.limiter.Wait(waitCtx); err != nil {
		return nil, g.deniedErr(ctx, req, err)
	}

	start := time.Now()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.metrics.denied.WithLabelValues("closed").Inc()
		return nil, fmt.Errorf("%w: task %s", ErrClosed, req.TaskID)
	}
	// Fast path: empty queue and room for the request.
	if g.waiters.Len() == 0 && g.fitsLocked(req) {
		g.admitLocked(req)
		g.mu.Unlock()
		g.metrics.waitTime.Observe(time.Since(start).Seconds())
		g.logAdmit(ctx, req, 0)
		return &Slot{g: g, req: req}, nil
	}

	w := &waiter{req: req, ready: make(chan struct{})}
	elem := g.waiters.PushBack(w)
	g.metrics.waiting.Set(float64(g.waiters.Len()))
	g.mu.Unlock()

	select {
	case <-w.ready:
		g.metrics.waitTime.Observe(time.Since(start).Seconds())
		g.mu.Lock()
		closed := w.closed
		g.mu.Unlock()
		if closed {
			g.metrics.denied.WithLabelValues("closed").Inc()
			return nil, fmt.Errorf("%w: task %s", ErrClosed, req.TaskID)
		}
		g.logAdmit(ctx, req, time.Since(start))
		return &Slot{g: g, req: req}, nil

	case <-waitCtx.Done():
		g.mu.Lock()
		if w.granted {
			// A release beat the timeout; keep the admission.
			g.mu.Unlock()
			g.logAdmit(ctx, req, time.Since(start))
			return &Slot{g: g, req: req}, nil
		}
		if w.closed {
			g.mu.Unlock()
			g.metrics.denied.WithLabelValues("closed").Inc()
			return nil, fmt.Errorf("%w: task %s", ErrClosed, req.TaskID)
		}
		g.waiters.Remove(elem)
		g.metrics.waiting.Set(float64(g.waiters.Len()))
		g.mu.Unlock()
		return nil, g.deniedErr(ctx, req, waitCtx.Err())
	}
}

// deniedErr distinguishes a caller cancellation from an expired wait
// window. Only the latter is a denial.
func (g *Governor) deniedErr(parent context.Context, req Request, cause error) error {
	if parent.Err() != nil {
		return fmt.Errorf("acquire %s: %w", req.TaskID, parent.Err())
	}
	g.metrics.denied.WithLabelValues("capacity").Inc()
	g.log.Warn(parent, "admission denied",
		zap.String("task.id", req.TaskID),
		zap.String("task.role", req.Role.String()),
		zap.Duration("max_wait", g.cfg.MaxWait.Duration()),
	)
	return fmt.Errorf("%w: task %s waited %s without a free slot: %v", ErrResourceDenied, req.TaskID, g.cfg.MaxWait.Duration(), cause)
}

func (g *Governor) logAdmit(ctx context.Context, req Request, waited time.Duration) {
	g.log.Debug(ctx, "admission granted",
		zap.String("task.id", req.TaskID),
		zap.String("task.role", req.Role.String()),
		zap.Duration("waited", waited),
	)
}

// neverFits reports whether the request exceeds a configured ceiling on
// its own, so no amount of waiting could admit it.
func (g *Governor) neverFits(req Request) (bool, string) {
	if g.cfg.MaxCPUMilli > 0 && req.CPUMilli > g.cfg.MaxCPUMilli {
		return true, "cpu"
	}
	if g.cfg.MaxMemoryMB > 0 && req.MemoryMB > g.cfg.MaxMemoryMB {
		return true, "memory"
	}
	return false, ""
}

func (g *Governor) fitsLocked(req Request) bool {
	if g.inUse >= g.cfg.MaxConcurrent {
		return false
	}
	if g.cfg.MaxCPUMilli > 0 && g.cpuMilli+req.CPUMilli > g.cfg.MaxCPUMilli {
		return false
	}
	if g.cfg.MaxMemoryMB > 0 && g.memoryMB+req.MemoryMB > g.cfg.MaxMemoryMB {
		return false
	}
	return true
}

func (g *Governor) admitLocked(req Request) {
	g.inUse++
	g.cpuMilli += req.CPUMilli
	g.memoryMB += req.MemoryMB
	g.metrics.slotsInUse.Set(float64(g.inUse))
	g.metrics.admitted.Inc()
}

func (g *Governor) release(req Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inUse--
	g.cpuMilli -= req.CPUMilli
	g.memoryMB -= req.MemoryMB
	g.metrics.slotsInUse.Set(float64(g.inUse))

	// Wake from the head only: FIFO means a later request never bypasses
	// the head even if the head still does not fit.
	for g.waiters.Len() > 0 {
		elem := g.waiters.Front()
		w := elem.Value.(*waiter)
		if !g.fitsLocked(w.req) {
			break
		}
		g.waiters.Remove(elem)
		g.admitLocked(w.req)
		w.granted = true
		close(w.ready)
	}
	g.metrics.waiting.Set(float64(g.waiters.Len()))
}

// Snapshot reports current capacity usage.
type Snapshot struct {
	InUse         int `json:"in_use"`
	Waiting       int `json:"waiting"`
	CPUMilli      int `json:"cpu_milli"`
	MemoryMB      int `json:"memory_mb"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Snapshot returns a point-in-time view of governor state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		InUse:         g.inUse,
		Waiting:       g.waiters.Len(),
		CPUMilli:      g.cpuMilli,
		MemoryMB:      g.memoryMB,
		MaxConcurrent: g.cfg.MaxConcurrent,
	}
}

// InUse returns the number of held slots.
func (g *Governor) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Waiting returns the number of queued acquirers.
func (g *Governor) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}

// Close denies all queued waiters and rejects future acquires. Held
// slots may still be released.
func (g *Governor) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	for g.waiters.Len() > 0 {
		elem := g.waiters.Front()
		w := elem.Value.(*waiter)
		w.closed = true
		close(w.ready)
		g.waiters.Remove(elem)
	}
	g.metrics.waiting.Set(0)
}
