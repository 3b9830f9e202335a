package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkhorn/docmd/internal/config"
)

// Dispatcher owns the worker pool and the periodic loops: dispatch wakeups,
// orphan recovery, and the retention sweep.
type Dispatcher struct {
	cfg  config.Config
	deps Deps

	workers  []*Worker
	draining atomic.Bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher builds the engine; Start launches it.
func NewDispatcher(cfg config.Config, deps Deps) *Dispatcher {
	return &Dispatcher{cfg: cfg, deps: deps}
}

// Start launches the workers and background loops. Worker starts are
// staggered so a cold pool does not hammer the store in lockstep.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel

	n := d.cfg.WorkerCount
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w := newWorker(fmt.Sprintf("worker-%d", i+1), d.cfg, d.deps, &d.draining)
		d.workers = append(d.workers, w)
		go w.run(ctx)
		if i < n-1 && d.cfg.WorkerStartStagger > 0 {
			time.Sleep(d.cfg.WorkerStartStagger)
		}
	}

	d.loops.Add(3)
	go d.dispatchLoop(ctx)
	go d.cleanupLoop(ctx)
	go d.retentionLoop(ctx)
	slog.Info("queue engine started", slog.Int("workers", n))
}

// dispatchLoop wakes the pool whenever due work exists. The first check runs
// immediately so jobs persisted before startup are picked up without waiting
// a full tick.
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.loops.Done()
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		due, err := d.deps.Jobs.HasDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dispatch check failed", slog.Any("error", err))
		} else if due {
			d.wakeAll()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanupLoop periodically recovers jobs stuck in processing past the orphan
// threshold, typically left behind by a crashed or force-stopped worker.
func (d *Dispatcher) cleanupLoop(ctx context.Context) {
	defer d.loops.Done()
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := d.deps.Jobs.CleanupOrphans(ctx, d.cfg.OrphanThreshold)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("orphan sweep failed", slog.Any("error", err))
			continue
		}
		if n > 0 {
			slog.Warn("orphaned jobs recovered", slog.Int("count", n))
		}
	}
}

// retentionLoop enqueues archive jobs for completed documents whose retention
// window has elapsed. One sweep runs at startup so a long interval does not
// defer already overdue work.
func (d *Dispatcher) retentionLoop(ctx context.Context) {
	defer d.loops.Done()
	ticker := time.NewTicker(d.cfg.RetentionSweepInterval)
	defer ticker.Stop()
	d.sweepRetention(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.sweepRetention(ctx)
	}
}

func (d *Dispatcher) sweepRetention(ctx context.Context) {
	n, err := d.deps.Jobs.ScheduleArchiveDue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("archive jobs scheduled", slog.Int("count", n))
	}
}

func (d *Dispatcher) wakeAll() {
	for _, w := range d.workers {
		w.Wake()
	}
}

// Stop drains the engine: new claims stop immediately, then each worker gets
// a bounded grace period to finish its in-flight job. Workers still busy
// after the grace period are abandoned with their context canceled; the
// orphan sweep recovers their jobs after the next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.draining.Store(true)
		d.wakeAll()
		for _, w := range d.workers {
			select {
			case <-w.done:
			case <-time.After(d.cfg.ShutdownPerWorker):
				slog.Warn("worker did not drain in time", slog.String("worker_id", w.id))
			}
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.loops.Wait()
		slog.Info("queue engine stopped")
	})
}
