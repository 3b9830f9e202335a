// Package queue implements the job engine: a dispatcher owning the worker
// pool and the periodic sweeps, plus workers that claim and execute jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/inkhorn/docmd/internal/adapter/observability"
	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
)

// Deps are the ports the engine works against.
type Deps struct {
	Jobs      domain.JobRepository
	Documents domain.DocumentRepository
	Batches   domain.BatchRepository
	Usage     domain.UsageRepository
	Blobs     domain.BlobStore
	OCR       domain.OCRClient
}

// terminalError marks a handler failure that retrying can never repair; the
// job fails immediately regardless of remaining attempts.
type terminalError struct{ error }

func (e terminalError) Unwrap() error { return e.error }

func terminal(err error) error { return terminalError{err} }

// Worker claims one job at a time and runs the handler for its type.
type Worker struct {
	id       string
	cfg      config.Config
	deps     Deps
	draining *atomic.Bool
	wake     chan struct{}
	done     chan struct{}
}

func newWorker(id string, cfg config.Config, deps Deps, draining *atomic.Bool) *Worker {
	return &Worker{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		draining: draining,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Wake nudges an idle worker. A wake already pending makes this a no-op, so
// over-signaling is harmless.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop: claim, execute, repeat. With nothing due the worker
// sleeps until the dispatcher wakes it. The drain flag is checked before
// every claim so shutdown never starts new work.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	log := slog.With(slog.String("worker_id", w.id))
	log.Info("worker started")
	for {
		if w.draining.Load() || ctx.Err() != nil {
			log.Info("worker stopped")
			return
		}
		job, err := w.deps.Jobs.ClaimNext(ctx, w.id)
		if err != nil {
			log.Error("claim failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-w.wake:
			}
			continue
		}
		w.execute(ctx, *job)
	}
}

// execute runs one claimed job. A handler panic becomes a job failure so the
// row never stays stuck in processing until the orphan sweep finds it.
func (w *Worker) execute(ctx context.Context, job domain.Job) {
	log := slog.With(
		slog.String("worker_id", w.id),
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("document_id", job.DocumentID),
		slog.Int("attempt", job.Attempts))
	log.Info("job claimed")

	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job handler panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		switch job.Type {
		case domain.JobTypeConvert:
			err = w.convert(ctx, job)
		case domain.JobTypeArchive:
			err = w.archive(ctx, job)
		default:
			err = terminal(fmt.Errorf("unknown job type %q", job.Type))
		}
	}()
	observability.JobHandlerDuration.WithLabelValues(string(job.Type)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		w.recordFailure(ctx, job, err)
		return
	}
	log.Info("job finished", slog.Duration("took", time.Since(start)))
}

// recordFailure writes the failure to the job and, once the job is terminal,
// to the document and its batch projection. The document and batch writes are
// best effort; the authoritative record is the job row.
func (w *Worker) recordFailure(ctx context.Context, job domain.Job, cause error) {
	log := slog.With(
		slog.String("worker_id", w.id),
		slog.String("job_id", job.ID),
		slog.String("document_id", job.DocumentID))
	log.Warn("job failed", slog.Int("attempt", job.Attempts), slog.Any("error", cause))

	var term terminalError
	immediate := errors.As(cause, &term)
	if immediate {
		if err := w.deps.Jobs.FailTerminal(ctx, job.ID, cause.Error()); err != nil {
			log.Error("terminal failure write failed", slog.Any("error", err))
			return
		}
	} else {
		if err := w.deps.Jobs.Fail(ctx, job.ID, cause.Error()); err != nil {
			log.Error("failure write failed", slog.Any("error", err))
			return
		}
	}
	if !immediate && job.Attempts < job.MaxAttempts {
		return
	}

	if err := w.deps.Documents.MarkFailed(ctx, job.DocumentID, cause.Error()); err != nil &&
		!errors.Is(err, domain.ErrNotFound) {
		log.Warn("document failure write failed", slog.Any("error", err))
	}
	w.recountBatch(ctx, job.DocumentID)
}

// recountBatch recomputes the batch projection for the document's batch, if
// it belongs to one. Non-fatal, the next terminal event recomputes the same
// numbers.
func (w *Worker) recountBatch(ctx context.Context, documentID string) {
	doc, err := w.deps.Documents.Get(ctx, documentID)
	if err != nil || doc.BatchID == nil {
		return
	}
	if _, err := w.deps.Batches.UpdateProgress(ctx, *doc.BatchID); err != nil {
		slog.Warn("batch progress recompute failed",
			slog.String("batch_id", *doc.BatchID), slog.Any("error", err))
	}
}
