package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/planner"
)

const (
	acceptedSuffix = ".accepted"
	rejectedSuffix = ".rejected"
)

// SpecCreator persists new specifications into the backlog.
// *lifecycle.Manager satisfies it.
type SpecCreator interface {
	Create(ctx context.Context, spec lifecycle.Specification) (lifecycle.Specification, error)
}

// AcceptFunc receives each created specification with its parsed tasks.
// It runs on the ingest goroutine; long work belongs on another one.
type AcceptFunc func(ctx context.Context, spec lifecycle.Specification, tasks []planner.Task)

// Watcher ingests manifests dropped into the spool directory. Each
// accepted manifest becomes one backlog specification; the file is then
// renamed with a suffix so restarts do not re-ingest it.
type Watcher struct {
	cfg     config.IntakeConfig
	log     *logging.Logger
	specs   SpecCreator
	accept  AcceptFunc
	fsw     *fsnotify.Watcher
	metrics *metrics

	mu      sync.Mutex
	pending map[string]*time.Timer

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates the spool directory and the filesystem watcher.
// accept may be nil; reg may be nil.
func NewWatcher(cfg config.IntakeConfig, specs SpecCreator, accept AcceptFunc, log *logging.Logger, reg prometheus.Registerer) (*Watcher, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if specs == nil {
		return nil, errors.New("intake: spec creator is required")
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create spool watcher: %w", err)
	}
	return &Watcher{
		cfg:     cfg,
		log:     log.Named("intake"),
		specs:   specs,
		accept:  accept,
		fsw:     fsw,
		metrics: newMetrics(reg),
		pending: make(map[string]*time.Timer),
		stop:    make(chan struct{}),
	}, nil
}

// Start watches the spool directory and sweeps manifests already
// sitting in it. It returns after spawning the event loop; call Stop to
// shut down.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.cfg.SpoolDir); err != nil {
		return fmt.Errorf("watch spool directory: %w", err)
	}

	entries, err := os.ReadDir(w.cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("sweep spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		w.schedule(ctx, filepath.Join(w.cfg.SpoolDir, entry.Name()))
	}

	go w.loop(ctx)
	w.log.Info(ctx, "spool watcher started",
		zap.String("intake.spool_dir", w.cfg.SpoolDir),
		zap.Duration("intake.debounce", w.cfg.Debounce.Duration()),
	)
	return nil
}

// Stop closes the watcher and cancels pending debounce timers. An
// ingest already running completes.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()

		w.mu.Lock()
		for path, timer := range w.pending {
			timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isManifest(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn(ctx, "spool watch error", zap.Error(err))
		}
	}
}

// schedule arms or resets the per-path debounce timer so a manifest
// still being written is read once, after its last write.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.cfg.Debounce.Duration())
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce.Duration(), func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	m, err := ParseFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.log.Debug(ctx, "manifest vanished before ingest", zap.String("manifest.path", path))
			return
		}
		w.reject(ctx, path, err)
		return
	}

	spec, err := w.specs.Create(ctx, m.Specification())
	if err != nil {
		w.reject(ctx, path, err)
		return
	}

	w.metrics.manifests.WithLabelValues("accepted").Inc()
	w.log.Info(ctx, "manifest accepted",
		zap.String("manifest.path", path),
		zap.String("spec.id", spec.ID),
		zap.String("spec.name", spec.Name),
		zap.Int("spec.tasks", len(m.Tasks)),
	)
	w.setAside(ctx, path, acceptedSuffix)

	if w.accept != nil {
		w.accept(ctx, spec, m.PlannerTasks())
	}
}

func (w *Watcher) reject(ctx context.Context, path string, cause error) {
	w.metrics.manifests.WithLabelValues("rejected").Inc()
	w.log.Warn(ctx, "manifest rejected",
		zap.String("manifest.path", path),
		zap.Error(cause),
	)
	w.setAside(ctx, path, rejectedSuffix)
}

func (w *Watcher) setAside(ctx context.Context, path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.log.Warn(ctx, "manifest not set aside",
			zap.String("manifest.path", path),
			zap.Error(err),
		)
	}
}

func isManifest(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
