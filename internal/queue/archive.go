package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkhorn/docmd/internal/domain"
)

// archive moves a completed document's blob under the archive prefix and
// flips the document to archived. The original blob is deleted last so a
// partial run can only ever leave a duplicate, never a dangling reference.
func (w *Worker) archive(ctx context.Context, job domain.Job) error {
	doc, err := w.deps.Documents.Get(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return terminal(fmt.Errorf("document %s missing", job.DocumentID))
		}
		return err
	}
	if doc.Status != domain.DocumentCompleted {
		return terminal(fmt.Errorf("document %s is %s, only completed documents archive",
			doc.ID, doc.Status))
	}
	if doc.BlobKey == "" {
		return terminal(fmt.Errorf("document %s has no stored blob", doc.ID))
	}

	archiveKey := archiveKeyFor(doc.BlobKey)
	if err := w.deps.Blobs.Copy(ctx, doc.BlobKey, archiveKey); err != nil {
		return fmt.Errorf("copy to %s: %w", archiveKey, err)
	}
	if err := w.deps.Documents.MarkArchived(ctx, doc.ID, map[string]any{
		"original_blob_key": doc.BlobKey,
		"archive_blob_key":  archiveKey,
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return terminal(err)
		}
		return err
	}
	if err := w.deps.Blobs.Delete(ctx, doc.BlobKey); err != nil {
		// The archived copy is authoritative now; the leftover original is
		// garbage, not a correctness problem.
		slog.Warn("original blob delete failed after archive",
			slog.String("document_id", doc.ID),
			slog.String("blob_key", doc.BlobKey),
			slog.Any("error", err))
	}

	result, _ := json.Marshal(map[string]string{"archive_blob_key": archiveKey})
	if err := w.deps.Jobs.Complete(ctx, job.ID, string(result)); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// archiveKeyFor rewrites the leading documents/ prefix; keys laid out any
// other way are nested under archive/ wholesale.
func archiveKeyFor(key string) string {
	if strings.HasPrefix(key, "documents/") {
		return "archive/" + strings.TrimPrefix(key, "documents/")
	}
	return "archive/" + key
}
