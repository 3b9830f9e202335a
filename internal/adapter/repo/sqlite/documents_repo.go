package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/inkhorn/docmd/internal/domain"
)

const selectDocument = `SELECT id, file_name, mime, size_bytes, blob_key, content, metadata, status, error,
	retention_days, user_id, api_key_id, batch_id, created_at, processed_at, archived_at FROM documents`

// DocumentRepo persists and loads documents.
type DocumentRepo struct{ Store *Store }

// NewDocumentRepo constructs a DocumentRepo over the store.
func NewDocumentRepo(s *Store) *DocumentRepo { return &DocumentRepo{Store: s} }

// Create inserts a new document in pending status and returns its id.
// Ids are ULIDs: collision-resistant and sortable by creation time.
func (r *DocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	id := d.ID
	if id == "" {
		id = ulid.Make().String()
	}
	if d.Status == "" {
		d.Status = domain.DocumentPending
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO documents (id, file_name, mime, size_bytes, blob_key, metadata, status, error,
		retention_days, user_id, api_key_id, batch_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`
	err := r.Store.withWriteRetry(ctx, "document.create", func() error {
		_, err := r.Store.db.ExecContext(ctx, q, id, d.FileName, d.MIME, d.SizeBytes, d.BlobKey,
			marshalMeta(d.Metadata), d.Status, d.Error, d.RetentionDays, d.UserID, d.APIKeyID, d.BatchID, created)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=document.create: %w", err)
	}
	return id, nil
}

// Get loads a document by id through the prepared hot-path statement.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	row := r.Store.getDocStmt.QueryRowContext(ctx, id)
	d, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Document{}, fmt.Errorf("op=document.get: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.get: %w", err)
	}
	return d, nil
}

// ListByBatch returns all documents belonging to a batch.
func (r *DocumentRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.ListByBatch")
	defer span.End()
	rows, err := r.Store.db.QueryContext(ctx, selectDocument+` WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("op=document.list_batch: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("op=document.list_batch: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=document.list_batch: %w", err)
	}
	return out, nil
}

// MarkFailed records a failure on a non-terminal document. Archived
// documents are left untouched.
func (r *DocumentRepo) MarkFailed(ctx domain.Context, id, errText string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.MarkFailed")
	defer span.End()
	q := `UPDATE documents SET status = ?, error = ?
		WHERE id = ? AND status NOT IN (?, ?)`
	err := r.Store.withWriteRetry(ctx, "document.mark_failed", func() error {
		_, err := r.Store.db.ExecContext(ctx, q, domain.DocumentFailed, errText,
			id, domain.DocumentArchived, domain.DocumentFailed)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=document.mark_failed: %w", err)
	}
	return nil
}

// MarkArchived performs the single completed->archived transition, merging
// the provided keys into the document metadata.
func (r *DocumentRepo) MarkArchived(ctx domain.Context, id string, metadata map[string]any) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.MarkArchived")
	defer span.End()
	err := r.Store.withWriteRetry(ctx, "document.mark_archived", func() error {
		return r.Store.Transaction(ctx, func(tx *sql.Tx) error {
			var status domain.DocumentStatus
			var rawMeta string
			err := tx.QueryRowContext(ctx, `SELECT status, metadata FROM documents WHERE id = ?`, id).
				Scan(&status, &rawMeta)
			if err == sql.ErrNoRows {
				return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
			}
			if err != nil {
				return err
			}
			if status != domain.DocumentCompleted {
				return fmt.Errorf("archive document %s in status %s: %w", id, status, domain.ErrInvalidTransition)
			}
			merged := mergeMeta(unmarshalMeta(rawMeta), metadata)
			_, err = tx.ExecContext(ctx, `UPDATE documents SET status = ?, metadata = ?, archived_at = ?
				WHERE id = ? AND status = ?`,
				domain.DocumentArchived, marshalMeta(merged), time.Now().UTC(), id, domain.DocumentCompleted)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("op=document.mark_archived: %w", err)
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var content sql.NullString
	var rawMeta string
	var batchID sql.NullString
	var processedAt, archivedAt sql.NullTime
	err := row.Scan(&d.ID, &d.FileName, &d.MIME, &d.SizeBytes, &d.BlobKey, &content, &rawMeta,
		&d.Status, &d.Error, &d.RetentionDays, &d.UserID, &d.APIKeyID, &batchID,
		&d.CreatedAt, &processedAt, &archivedAt)
	if err != nil {
		return domain.Document{}, err
	}
	if content.Valid {
		d.Content = &content.String
	}
	if batchID.Valid {
		d.BatchID = &batchID.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		d.ProcessedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		d.ArchivedAt = &t
	}
	d.Metadata = unmarshalMeta(rawMeta)
	return d, nil
}
