package usecase

import (
	"fmt"
	"time"

	"github.com/inkhorn/docmd/internal/domain"
)

// DownloadURLExpiry bounds how long a presigned original-file link stays valid.
const DownloadURLExpiry = 15 * time.Minute

// StatusService answers read-only questions about documents, batches, jobs
// and usage.
type StatusService struct {
	Documents domain.DocumentRepository
	Jobs      domain.JobRepository
	Batches   domain.BatchRepository
	Usage     domain.UsageRepository
	Blobs     domain.BlobStore
}

// NewStatusService constructs a StatusService.
func NewStatusService(docs domain.DocumentRepository, jobs domain.JobRepository,
	batches domain.BatchRepository, usage domain.UsageRepository, blobs domain.BlobStore) StatusService {
	return StatusService{Documents: docs, Jobs: jobs, Batches: batches, Usage: usage, Blobs: blobs}
}

// GetDocument returns one document by id.
func (s StatusService) GetDocument(ctx domain.Context, id string) (domain.Document, error) {
	if id == "" {
		return domain.Document{}, fmt.Errorf("%w: document id required", domain.ErrInvalidArgument)
	}
	return s.Documents.Get(ctx, id)
}

// GetJob returns one job by id.
func (s StatusService) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	if id == "" {
		return domain.Job{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	return s.Jobs.Get(ctx, id)
}

// GetBatch returns one batch by id.
func (s StatusService) GetBatch(ctx domain.Context, id string) (domain.Batch, error) {
	if id == "" {
		return domain.Batch{}, fmt.Errorf("%w: batch id required", domain.ErrInvalidArgument)
	}
	return s.Batches.Get(ctx, id)
}

// GetBatchDocuments returns a batch together with its documents.
func (s StatusService) GetBatchDocuments(ctx domain.Context, id string) (domain.Batch, []domain.Document, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return domain.Batch{}, nil, err
	}
	docs, err := s.Documents.ListByBatch(ctx, id)
	if err != nil {
		return domain.Batch{}, nil, err
	}
	return b, docs, nil
}

// DownloadURL returns a presigned link to the original upload. The filesystem
// driver does not sign URLs; its error surfaces as an invalid-argument reply.
func (s StatusService) DownloadURL(ctx domain.Context, id string) (string, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	if doc.BlobKey == "" {
		return "", fmt.Errorf("%w: document %s has no stored file", domain.ErrNotFound, id)
	}
	return s.Blobs.Presign(doc.BlobKey, "GET", DownloadURLExpiry, doc.MIME)
}

// ListBatches returns recent batches, optionally scoped to one user.
func (s StatusService) ListBatches(ctx domain.Context, userID string, limit, offset int) ([]domain.Batch, error) {
	return s.Batches.List(ctx, userID, limit, offset)
}

// DocumentUsage returns the usage rows recorded for one document.
func (s StatusService) DocumentUsage(ctx domain.Context, documentID string) ([]domain.Usage, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id required", domain.ErrInvalidArgument)
	}
	return s.Usage.ListByDocument(ctx, documentID)
}

// UsageTotals returns the aggregate usage counters.
func (s StatusService) UsageTotals(ctx domain.Context) (domain.UsageTotals, error) {
	return s.Usage.Totals(ctx)
}
