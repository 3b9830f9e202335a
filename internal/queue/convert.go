package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inkhorn/docmd/internal/domain"
)

// pageJoin separates pages in the stored Markdown.
const pageJoin = "\n\n---\n\n"

// convert downloads the document blob, runs it through the OCR provider, and
// commits the Markdown together with the job in one transaction. Usage and
// the batch projection follow after the commit.
func (w *Worker) convert(ctx context.Context, job domain.Job) error {
	start := time.Now()
	doc, err := w.deps.Documents.Get(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return terminal(fmt.Errorf("document %s missing", job.DocumentID))
		}
		return err
	}
	if doc.BlobKey == "" {
		return fmt.Errorf("document %s has no stored blob", doc.ID)
	}

	info, err := w.deps.Blobs.Stat(ctx, doc.BlobKey)
	if err != nil {
		return fmt.Errorf("stat blob %s: %w", doc.BlobKey, err)
	}
	data, usedTemp, err := w.fetchBlob(ctx, doc, info.Size)
	if err != nil {
		return err
	}

	res, err := w.deps.OCR.Convert(ctx, data, doc.MIME, doc.FileName)
	if err != nil {
		return fmt.Errorf("ocr: %w", err)
	}
	content := strings.Join(res.Pages, pageJoin)
	took := time.Since(start)

	result, _ := json.Marshal(map[string]any{
		"pages":  len(res.Pages),
		"model":  res.Model,
		"tokens": res.TotalTokens,
	})
	out := domain.JobOutcome{
		JobID:      job.ID,
		DocumentID: doc.ID,
		Result:     string(result),
		Content:    content,
		Metadata: map[string]any{
			"model":              res.Model,
			"extracted_pages":    len(res.Pages),
			"processing_time_ms": took.Milliseconds(),
			"blob_size":          info.Size,
			"used_temp":          usedTemp,
		},
	}
	if err := w.deps.Jobs.CompleteWithDocument(ctx, out); err != nil {
		return fmt.Errorf("commit conversion: %w", err)
	}

	// The conversion is already durable at this point; accounting and batch
	// counters must not push the job back to pending.
	if err := w.deps.Usage.Insert(ctx, usageFor(doc.ID, res, w.cfg.MarginPercent)); err != nil {
		slog.Warn("usage insert failed",
			slog.String("document_id", doc.ID), slog.Any("error", err))
	}
	if doc.BatchID != nil {
		if _, err := w.deps.Batches.UpdateProgress(ctx, *doc.BatchID); err != nil {
			slog.Warn("batch progress recompute failed",
				slog.String("batch_id", *doc.BatchID), slog.Any("error", err))
		}
	}
	return nil
}

// fetchBlob reads the document content. Blobs over the configured threshold
// are downloaded through a scratch file so the store adapter can stream them
// instead of buffering the object a second time. The scratch file is removed
// on every exit path.
func (w *Worker) fetchBlob(ctx context.Context, doc domain.Document, size int64) (data []byte, usedTemp bool, err error) {
	if size <= w.cfg.LargeFileThreshold {
		data, err = w.deps.Blobs.Get(ctx, doc.BlobKey)
		if err != nil {
			return nil, false, fmt.Errorf("get blob %s: %w", doc.BlobKey, err)
		}
		return data, false, nil
	}

	if err := os.MkdirAll(w.cfg.TempDir(), 0o755); err != nil {
		return nil, true, fmt.Errorf("temp dir: %w", err)
	}
	path := filepath.Join(w.cfg.TempDir(),
		fmt.Sprintf("%s-%d.tmp", doc.ID, time.Now().UnixMilli()))
	defer func() { _ = os.Remove(path) }()

	if err := w.deps.Blobs.GetToFile(ctx, doc.BlobKey, path); err != nil {
		return nil, true, fmt.Errorf("download blob %s: %w", doc.BlobKey, err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, true, fmt.Errorf("read temp file: %w", err)
	}
	return data, true, nil
}
