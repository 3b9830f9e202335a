package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkhorn/docmd/internal/domain"
)

const selectBatch = `SELECT id, user_id, api_key_id, total_documents, completed_documents,
	failed_documents, status, priority, metadata, created_at, completed_at FROM batches`

// BatchRepo persists batches and derives their progress from child documents.
type BatchRepo struct{ Store *Store }

// NewBatchRepo constructs a BatchRepo over the store.
func NewBatchRepo(s *Store) *BatchRepo { return &BatchRepo{Store: s} }

// Create inserts a new batch in pending status and returns its id.
func (r *BatchRepo) Create(ctx domain.Context, b domain.Batch) (string, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Create")
	defer span.End()
	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO batches (id, user_id, api_key_id, total_documents, completed_documents,
		failed_documents, status, priority, metadata, created_at) VALUES (?,?,?,?,0,0,?,?,?,?)`
	err := r.Store.withWriteRetry(ctx, "batch.create", func() error {
		_, err := r.Store.db.ExecContext(ctx, q, id, b.UserID, b.APIKeyID, b.TotalDocuments,
			domain.BatchPending, b.Priority, marshalMeta(b.Metadata), time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=batch.create: %w", err)
	}
	return id, nil
}

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.Batch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()
	row := r.Store.db.QueryRowContext(ctx, selectBatch+` WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Batch{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.Batch{}, fmt.Errorf("op=batch.get: %w", err)
	}
	return b, nil
}

// List returns batches for a user, newest first.
func (r *BatchRepo) List(ctx domain.Context, userID string, limit, offset int) ([]domain.Batch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.List")
	defer span.End()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.Store.db.QueryContext(ctx, selectBatch+`
		WHERE (? = '' OR user_id = ?) ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		userID, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=batch.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("op=batch.list: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=batch.list: %w", err)
	}
	return out, nil
}

// UpdateProgress recounts child documents and derives the batch status.
// Counts are always recomputed, never incremented, so the projection heals
// itself after missed updates.
func (r *BatchRepo) UpdateProgress(ctx domain.Context, id string) (domain.Batch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.UpdateProgress")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", id))

	var updated domain.Batch
	err := r.Store.withWriteRetry(ctx, "batch.update_progress", func() error {
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, selectBatch+` WHERE id = ?`, id)
			b, err := scanBatch(row)
			if err == sql.ErrNoRows {
				return fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
			}
			if err != nil {
				return err
			}

			var completed, failed int
			if err := tx.QueryRowContext(ctx, `SELECT
				COUNT(CASE WHEN status IN (?, ?) THEN 1 END),
				COUNT(CASE WHEN status = ? THEN 1 END)
				FROM documents WHERE batch_id = ?`,
				domain.DocumentCompleted, domain.DocumentArchived, domain.DocumentFailed, id).
				Scan(&completed, &failed); err != nil {
				return err
			}

			status := domain.DeriveBatchStatus(b.TotalDocuments, completed, failed)
			terminal := status == domain.BatchCompleted || status == domain.BatchFailed

			var completedAt any
			if b.CompletedAt != nil {
				completedAt = *b.CompletedAt
			} else if terminal {
				completedAt = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx, `UPDATE batches
				SET completed_documents = ?, failed_documents = ?, status = ?, completed_at = ?
				WHERE id = ?`,
				completed, failed, status, completedAt, id); err != nil {
				return err
			}

			row = tx.QueryRowContext(ctx, selectBatch+` WHERE id = ?`, id)
			updated, err = scanBatch(row)
			return err
		})
	})
	if err != nil {
		return domain.Batch{}, fmt.Errorf("op=batch.update_progress: %w", err)
	}
	return updated, nil
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var b domain.Batch
	var rawMeta string
	var completedAt sql.NullTime
	err := row.Scan(&b.ID, &b.UserID, &b.APIKeyID, &b.TotalDocuments, &b.CompletedDocuments,
		&b.FailedDocuments, &b.Status, &b.Priority, &rawMeta, &b.CreatedAt, &completedAt)
	if err != nil {
		return domain.Batch{}, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	b.Metadata = unmarshalMeta(rawMeta)
	return b, nil
}
