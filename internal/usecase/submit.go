// Package usecase wires the domain ports into the application services the
// HTTP surface calls.
package usecase

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
)

// Retention bounds in days. Zero means "use the configured default".
const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650
)

// MaxBatchFiles caps a single batch submission.
const MaxBatchFiles = 100

// SubmitInput is one file offered for conversion.
type SubmitInput struct {
	FileName      string
	MIME          string
	Size          int64
	Body          io.Reader
	RetentionDays int
	Priority      int
	UserID        string
	APIKeyID      string
}

// Submission identifies the stored document and its queued conversion job.
type Submission struct {
	DocumentID string
	JobID      string
}

// BatchSubmission is the result of a multi-file submit.
type BatchSubmission struct {
	BatchID     string
	Submissions []Submission
}

// SubmitService stores uploads and enqueues their conversion jobs.
type SubmitService struct {
	Cfg       config.Config
	Documents domain.DocumentRepository
	Jobs      domain.JobRepository
	Batches   domain.BatchRepository
	Blobs     domain.BlobStore
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(cfg config.Config, docs domain.DocumentRepository, jobs domain.JobRepository,
	batches domain.BatchRepository, blobs domain.BlobStore) SubmitService {
	return SubmitService{Cfg: cfg, Documents: docs, Jobs: jobs, Batches: batches, Blobs: blobs}
}

func (s SubmitService) validate(in SubmitInput) error {
	if strings.TrimSpace(in.FileName) == "" {
		return fmt.Errorf("%w: file name required", domain.ErrInvalidArgument)
	}
	if in.Size <= 0 {
		return fmt.Errorf("%w: empty file %q", domain.ErrInvalidArgument, in.FileName)
	}
	if max := s.Cfg.MaxUploadMB << 20; in.Size > max {
		return fmt.Errorf("%w: file %q exceeds %d MB", domain.ErrInvalidArgument, in.FileName, s.Cfg.MaxUploadMB)
	}
	if in.RetentionDays != 0 && (in.RetentionDays < MinRetentionDays || in.RetentionDays > MaxRetentionDays) {
		return fmt.Errorf("%w: retention_days must be %d..%d", domain.ErrInvalidArgument,
			MinRetentionDays, MaxRetentionDays)
	}
	return nil
}

// Submit stores a single file and enqueues its conversion. The blob is
// written first so a crash between the writes leaves nothing referencing a
// missing object.
func (s SubmitService) Submit(ctx domain.Context, in SubmitInput) (Submission, error) {
	if err := s.validate(in); err != nil {
		return Submission{}, err
	}
	return s.store(ctx, in, nil)
}

// SubmitBatch validates every file up front and then stores the set under one
// batch. Validation rejects the whole batch; a storage failure midway returns
// the error and leaves the already stored documents converting.
func (s SubmitService) SubmitBatch(ctx domain.Context, files []SubmitInput, userID, apiKeyID string, priority int) (BatchSubmission, error) {
	if len(files) == 0 {
		return BatchSubmission{}, fmt.Errorf("%w: no files", domain.ErrInvalidArgument)
	}
	if len(files) > MaxBatchFiles {
		return BatchSubmission{}, fmt.Errorf("%w: batch exceeds %d files", domain.ErrInvalidArgument, MaxBatchFiles)
	}
	for _, f := range files {
		if err := s.validate(f); err != nil {
			return BatchSubmission{}, err
		}
	}

	batchID, err := s.Batches.Create(ctx, domain.Batch{
		UserID:         userID,
		APIKeyID:       apiKeyID,
		TotalDocuments: len(files),
		Priority:       priority,
	})
	if err != nil {
		return BatchSubmission{}, err
	}

	out := BatchSubmission{BatchID: batchID}
	for _, f := range files {
		f.UserID = userID
		f.APIKeyID = apiKeyID
		f.Priority = priority
		sub, err := s.store(ctx, f, &batchID)
		if err != nil {
			return out, err
		}
		out.Submissions = append(out.Submissions, sub)
	}
	return out, nil
}

func (s SubmitService) store(ctx domain.Context, in SubmitInput, batchID *string) (Submission, error) {
	retention := in.RetentionDays
	if retention == 0 {
		retention = s.Cfg.DefaultRetentionDays
	}
	mime := in.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}

	docID := ulid.Make().String()
	blobKey := "documents/" + docID + "/" + path.Base(in.FileName)
	if err := s.Blobs.Put(ctx, blobKey, in.Body, in.Size, mime); err != nil {
		return Submission{}, fmt.Errorf("store upload: %w", err)
	}

	if _, err := s.Documents.Create(ctx, domain.Document{
		ID:            docID,
		FileName:      in.FileName,
		MIME:          mime,
		SizeBytes:     in.Size,
		BlobKey:       blobKey,
		Status:        domain.DocumentPending,
		RetentionDays: retention,
		UserID:        in.UserID,
		APIKeyID:      in.APIKeyID,
		BatchID:       batchID,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return Submission{}, err
	}

	jobID, err := s.Jobs.Create(ctx, domain.Job{
		DocumentID:  docID,
		Type:        domain.JobTypeConvert,
		Priority:    in.Priority,
		MaxAttempts: s.Cfg.MaxAttempts,
	})
	if err != nil {
		return Submission{}, err
	}
	return Submission{DocumentID: docID, JobID: jobID}, nil
}
