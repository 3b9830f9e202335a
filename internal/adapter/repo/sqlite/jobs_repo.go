package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkhorn/docmd/internal/adapter/observability"
	"github.com/inkhorn/docmd/internal/domain"
)

const selectJob = `SELECT id, document_id, type, status, priority, attempts, max_attempts, payload,
	result, error, worker_id, scheduled_at, started_at, completed_at, created_at FROM jobs`

// Error text stamped on jobs and documents failed by the orphan sweep.
const orphanFailureError = "Max retry attempts exceeded (job timeout >5 minutes)"

// JobRepo implements the queue operations over the store. Batch progress is
// recomputed through the batch repo after sweeps touch terminal documents.
type JobRepo struct {
	Store   *Store
	Batches *BatchRepo
}

// NewJobRepo constructs a JobRepo over the store.
func NewJobRepo(s *Store, batches *BatchRepo) *JobRepo { return &JobRepo{Store: s, Batches: batches} }

// Create inserts a pending job. Default scheduled_at is now.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	scheduled := j.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	q := `INSERT INTO jobs (id, document_id, type, status, priority, attempts, max_attempts, payload,
		result, error, scheduled_at, created_at) VALUES (?,?,?,?,?,0,?,?,'','',?,?)`
	err := r.Store.withWriteRetry(ctx, "job.create", func() error {
		_, err := r.Store.db.ExecContext(ctx, q, id, j.DocumentID, j.Type, domain.JobPending,
			j.Priority, maxAttempts, j.Payload, scheduled, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(j.Type)).Inc()
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Store.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ClaimNext atomically claims the single best due pending job for workerID.
// Selection order: highest priority first, then earliest scheduled_at, then
// insertion order. Returns (nil, nil) when nothing is due.
func (r *JobRepo) ClaimNext(ctx domain.Context, workerID string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	var claimed *domain.Job
	err := r.Store.withWriteRetry(ctx, "job.claim", func() error {
		claimed = nil
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			row := tx.QueryRowContext(ctx, selectJob+`
				WHERE status = ? AND scheduled_at <= ?
				ORDER BY priority DESC, scheduled_at ASC, rowid ASC LIMIT 1`,
				domain.JobPending, now)
			j, err := scanJob(row)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `UPDATE jobs
				SET status = ?, worker_id = ?, started_at = ?, attempts = attempts + 1
				WHERE id = ? AND status = ?`,
				domain.JobProcessing, workerID, now, j.ID, domain.JobPending)
			if err != nil {
				return err
			}
			// The row must still have been pending when updated; a racing
			// claim yields zero affected rows and the caller gets none.
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				return nil
			}

			// Claiming a convert job moves its document along with it so
			// pollers see the work in flight. A re-claim after a retry finds
			// the document already past pending and leaves it alone.
			if j.Type == domain.JobTypeConvert {
				if _, err := tx.ExecContext(ctx, `UPDATE documents SET status = ?
					WHERE id = ? AND status = ?`,
					domain.DocumentProcessing, j.DocumentID, domain.DocumentPending); err != nil {
					return err
				}
			}

			row = tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, j.ID)
			got, err := scanJob(row)
			if err != nil {
				return err
			}
			claimed = &got
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	if claimed != nil {
		observability.JobsProcessing.WithLabelValues(string(claimed.Type)).Inc()
	}
	return claimed, nil
}

// CompleteWithDocument applies the terminal job write and the document write
// in one transaction so the pair is observed consistently.
func (r *JobRepo) CompleteWithDocument(ctx domain.Context, out domain.JobOutcome) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteWithDocument")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", out.JobID), attribute.Bool("job.failed", out.Failed))

	var jobType string
	err := r.Store.withWriteRetry(ctx, "job.complete", func() error {
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()

			jobStatus := domain.JobCompleted
			if out.Failed {
				jobStatus = domain.JobFailed
			}
			err := tx.QueryRowContext(ctx, `SELECT type FROM jobs WHERE id = ? AND status = ?`,
				out.JobID, domain.JobProcessing).Scan(&jobType)
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s not in processing: %w", out.JobID, domain.ErrConflict)
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE jobs
				SET status = ?, completed_at = ?, result = ?, error = ?
				WHERE id = ? AND status = ?`,
				jobStatus, now, out.Result, out.Error, out.JobID, domain.JobProcessing); err != nil {
				return err
			}

			var rawMeta string
			if err := tx.QueryRowContext(ctx, `SELECT metadata FROM documents WHERE id = ?`, out.DocumentID).
				Scan(&rawMeta); err != nil {
				if err == sql.ErrNoRows {
					return fmt.Errorf("document %s: %w", out.DocumentID, domain.ErrNotFound)
				}
				return err
			}
			merged := marshalMeta(mergeMeta(unmarshalMeta(rawMeta), out.Metadata))

			// processed_at marks a successful conversion only; failed
			// documents keep it NULL.
			if out.Failed {
				_, err = tx.ExecContext(ctx, `UPDATE documents
					SET status = ?, error = ?, metadata = ?
					WHERE id = ? AND status NOT IN (?, ?)`,
					domain.DocumentFailed, out.Error, merged,
					out.DocumentID, domain.DocumentArchived, domain.DocumentCompleted)
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE documents
				SET status = ?, content = ?, metadata = ?, error = '', processed_at = ?
				WHERE id = ? AND status NOT IN (?, ?)`,
				domain.DocumentCompleted, out.Content, merged, now,
				out.DocumentID, domain.DocumentArchived, domain.DocumentFailed)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if jobType != "" {
		observability.JobsProcessing.WithLabelValues(jobType).Dec()
		if out.Failed {
			observability.JobsFailedTotal.WithLabelValues(jobType).Inc()
		} else {
			observability.JobsCompletedTotal.WithLabelValues(jobType).Inc()
		}
	}
	return nil
}

// Complete finishes a job without touching its document. Archive handlers use
// this after the document has already moved to archived.
func (r *JobRepo) Complete(ctx domain.Context, jobID, result string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	var jobType string
	err := r.Store.withWriteRetry(ctx, "job.complete", func() error {
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `SELECT type FROM jobs WHERE id = ? AND status = ?`,
				jobID, domain.JobProcessing).Scan(&jobType)
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s not in processing: %w", jobID, domain.ErrConflict)
			}
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE jobs
				SET status = ?, completed_at = ?, result = ?, error = ''
				WHERE id = ? AND status = ?`,
				domain.JobCompleted, time.Now().UTC(), result, jobID, domain.JobProcessing)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if jobType != "" {
		observability.JobsProcessing.WithLabelValues(jobType).Dec()
		observability.JobsCompletedTotal.WithLabelValues(jobType).Inc()
	}
	return nil
}

// Fail records a handler failure: the job is rescheduled with exponential
// backoff while attempts remain, and becomes terminal failed otherwise. The
// retry decision uses the attempts already incremented by the claim.
func (r *JobRepo) Fail(ctx domain.Context, jobID, errText string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	var jobType string
	var terminal bool
	err := r.Store.withWriteRetry(ctx, "job.fail", func() error {
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			var attempts, maxAttempts int
			err := tx.QueryRowContext(ctx, `SELECT type, attempts, max_attempts FROM jobs
				WHERE id = ? AND status = ?`, jobID, domain.JobProcessing).
				Scan(&jobType, &attempts, &maxAttempts)
			if err == sql.ErrNoRows {
				// Already terminal or reclaimed; nothing to record.
				return nil
			}
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if attempts < maxAttempts {
				terminal = false
				_, err = tx.ExecContext(ctx, `UPDATE jobs
					SET status = ?, error = ?, worker_id = NULL, started_at = NULL, scheduled_at = ?
					WHERE id = ? AND status = ?`,
					domain.JobPending, errText, now.Add(domain.RetryBackoff(attempts)),
					jobID, domain.JobProcessing)
				return err
			}
			terminal = true
			_, err = tx.ExecContext(ctx, `UPDATE jobs
				SET status = ?, error = ?, completed_at = ?, worker_id = NULL
				WHERE id = ? AND status = ?`,
				domain.JobFailed, errText, now, jobID, domain.JobProcessing)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if jobType != "" {
		observability.JobsProcessing.WithLabelValues(jobType).Dec()
		if terminal {
			observability.JobsFailedTotal.WithLabelValues(jobType).Inc()
		} else {
			observability.JobsRetriedTotal.WithLabelValues(jobType).Inc()
		}
	}
	return nil
}

// FailTerminal fails a job immediately regardless of remaining attempts.
// Used when the failure is structural (missing document row, unknown job
// type) and retrying could never repair it.
func (r *JobRepo) FailTerminal(ctx domain.Context, jobID, errText string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailTerminal")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	var jobType string
	err := r.Store.withWriteRetry(ctx, "job.fail_terminal", func() error {
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `SELECT type FROM jobs WHERE id = ? AND status = ?`,
				jobID, domain.JobProcessing).Scan(&jobType)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE jobs
				SET status = ?, error = ?, completed_at = ?, worker_id = NULL
				WHERE id = ? AND status = ?`,
				domain.JobFailed, errText, time.Now().UTC(), jobID, domain.JobProcessing)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("op=job.fail_terminal: %w", err)
	}
	if jobType != "" {
		observability.JobsProcessing.WithLabelValues(jobType).Dec()
		observability.JobsFailedTotal.WithLabelValues(jobType).Inc()
	}
	return nil
}

// CleanupOrphans recovers jobs stuck in processing longer than olderThan.
// Exhausted jobs become terminal failed together with their documents; the
// rest are reset to pending with a short exponential delay. Returns how many
// rows the sweep touched.
func (r *JobRepo) CleanupOrphans(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CleanupOrphans")
	defer span.End()

	var toFailDocs []string
	var batchIDs []string
	processed := 0
	failedCount, resetCount := 0, 0
	err := r.Store.withWriteRetry(ctx, "job.cleanup_orphans", func() error {
		toFailDocs = toFailDocs[:0]
		batchIDs = batchIDs[:0]
		processed = 0
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			cutoff := now.Add(-olderThan)
			rows, err := tx.QueryContext(ctx, `SELECT id, document_id, attempts, max_attempts FROM jobs
				WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
				domain.JobProcessing, cutoff)
			if err != nil {
				return err
			}
			type orphan struct {
				id, documentID        string
				attempts, maxAttempts int
			}
			var toFail, toReset []orphan
			for rows.Next() {
				var o orphan
				if err := rows.Scan(&o.id, &o.documentID, &o.attempts, &o.maxAttempts); err != nil {
					_ = rows.Close()
					return err
				}
				if o.attempts >= o.maxAttempts {
					toFail = append(toFail, o)
				} else {
					toReset = append(toReset, o)
				}
			}
			_ = rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			if len(toFail) > 0 {
				ids := make([]any, 0, len(toFail))
				for _, o := range toFail {
					ids = append(ids, o.id)
					toFailDocs = append(toFailDocs, o.documentID)
				}
				args := append([]any{domain.JobFailed, now, orphanFailureError}, ids...)
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE jobs
					SET status = ?, completed_at = ?, worker_id = NULL, error = ?
					WHERE id IN (%s)`, placeholders(len(ids))), args...); err != nil {
					return err
				}

				docArgs := make([]any, 0, len(toFailDocs)+3)
				docArgs = append(docArgs, domain.DocumentFailed, orphanFailureError)
				for _, id := range toFailDocs {
					docArgs = append(docArgs, id)
				}
				docArgs = append(docArgs, domain.DocumentArchived)
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE documents
					SET status = ?, error = ?
					WHERE id IN (%s) AND status != ?`, placeholders(len(toFailDocs))), docArgs...); err != nil {
					return err
				}

				batchArgs := make([]any, len(toFailDocs))
				for i, id := range toFailDocs {
					batchArgs[i] = id
				}
				bRows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT batch_id FROM documents
					WHERE id IN (%s) AND batch_id IS NOT NULL`, placeholders(len(toFailDocs))), batchArgs...)
				if err != nil {
					return err
				}
				for bRows.Next() {
					var b string
					if err := bRows.Scan(&b); err != nil {
						_ = bRows.Close()
						return err
					}
					batchIDs = append(batchIDs, b)
				}
				_ = bRows.Close()
				if err := bRows.Err(); err != nil {
					return err
				}
			}

			for _, o := range toReset {
				if _, err := tx.ExecContext(ctx, `UPDATE jobs
					SET status = ?, worker_id = NULL, started_at = NULL, scheduled_at = ?
					WHERE id = ? AND status = ?`,
					domain.JobPending, now.Add(domain.OrphanBackoff(o.attempts)),
					o.id, domain.JobProcessing); err != nil {
					return err
				}
			}

			processed = len(toFail) + len(toReset)
			failedCount, resetCount = len(toFail), len(toReset)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("op=job.cleanup_orphans: %w", err)
	}
	observability.JobsOrphanedTotal.WithLabelValues("failed").Add(float64(failedCount))
	observability.JobsOrphanedTotal.WithLabelValues("reset").Add(float64(resetCount))

	// Batch recounts happen after the sweep commit; a transient failure here
	// is non-fatal, the next terminal event recomputes the same projection.
	for _, b := range batchIDs {
		if _, err := r.Batches.UpdateProgress(ctx, b); err != nil {
			slog.Warn("batch progress recompute failed after orphan sweep",
				slog.String("batch_id", b), slog.Any("error", err))
		}
	}
	return processed, nil
}

// HasDue reports whether any pending job is ready to claim.
func (r *JobRepo) HasDue(ctx domain.Context) (bool, error) {
	var due bool
	err := r.Store.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE status = ? AND scheduled_at <= ?)`,
		domain.JobPending, time.Now().UTC()).Scan(&due)
	if err != nil {
		return false, fmt.Errorf("op=job.has_due: %w", err)
	}
	return due, nil
}

// ScheduleArchiveDue enqueues archive jobs for completed documents whose
// retention window has elapsed and that have no archive job in flight.
func (r *JobRepo) ScheduleArchiveDue(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ScheduleArchiveDue")
	defer span.End()

	count := 0
	err := r.Store.withWriteRetry(ctx, "job.schedule_archive", func() error {
		count = 0
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			rows, err := tx.QueryContext(ctx, `SELECT d.id FROM documents d
				WHERE d.status = ?
				  AND strftime('%s', d.created_at) + d.retention_days * 86400 <= strftime('%s', ?)
				  AND NOT EXISTS (
					SELECT 1 FROM jobs j
					WHERE j.document_id = d.id AND j.type = ? AND j.status IN (?, ?)
				  )`,
				domain.DocumentCompleted, now, domain.JobTypeArchive,
				domain.JobPending, domain.JobProcessing)
			if err != nil {
				return err
			}
			var due []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					_ = rows.Close()
					return err
				}
				due = append(due, id)
			}
			_ = rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, docID := range due {
				if _, err := tx.ExecContext(ctx, `INSERT INTO jobs
					(id, document_id, type, status, priority, attempts, max_attempts, payload,
					 result, error, scheduled_at, created_at)
					VALUES (?,?,?,?,0,0,3,'','','',?,?)`,
					uuid.New().String(), docID, domain.JobTypeArchive, domain.JobPending, now, now); err != nil {
					return err
				}
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("op=job.schedule_archive: %w", err)
	}
	if count > 0 {
		observability.JobsEnqueuedTotal.WithLabelValues(string(domain.JobTypeArchive)).Add(float64(count))
	}
	return count, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var workerID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.DocumentID, &j.Type, &j.Status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.Payload, &j.Result, &j.Error, &workerID,
		&j.ScheduledAt, &startedAt, &completedAt, &j.CreatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if workerID.Valid {
		j.WorkerID = &workerID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}
