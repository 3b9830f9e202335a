// Package domain holds the entities, ports and error taxonomy shared by all
// adapters and the queue engine.
package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOperationBusy is returned when a store write kept hitting lock
	// contention past the bounded retry budget.
	ErrOperationBusy = errors.New("operation busy")
	ErrInternal      = errors.New("internal error")
)

// Context is an alias to context.Context so domain signatures stay compact.
type Context = context.Context

// DocumentStatus enumerates the document lifecycle.
// Transitions follow pending -> processing -> {completed, failed} -> archived.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
	DocumentArchived   DocumentStatus = "archived"
)

// Document is one submitted file and, once converted, its Markdown content.
type Document struct {
	ID            string
	FileName      string
	MIME          string
	SizeBytes     int64
	BlobKey       string
	Content       *string
	Metadata      map[string]any
	Status        DocumentStatus
	Error         string
	RetentionDays int
	UserID        string
	APIKeyID      string
	BatchID       *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ArchivedAt    *time.Time
}

type JobType string

const (
	JobTypeConvert JobType = "convert"
	JobTypeArchive JobType = "archive"
)

type JobStatus string

// A retrying job is not a separate status: it is pending with a future
// scheduled_at.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one unit of queue work. A row in processing is exclusively owned by
// the worker whose id is stamped on it.
type Job struct {
	ID          string
	DocumentID  string
	Type        JobType
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	Payload     string
	Result      string
	Error       string
	WorkerID    *string
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Terminal reports whether the job reached a state no claim may leave.
func (j Job) Terminal() bool { return j.Status == JobCompleted || j.Status == JobFailed }

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch groups documents submitted together. Its counters and status are a
// derived projection recomputed from child documents, never a source of truth.
type Batch struct {
	ID                 string
	UserID             string
	APIKeyID           string
	TotalDocuments     int
	CompletedDocuments int
	FailedDocuments    int
	Status             BatchStatus
	Priority           int
	Metadata           map[string]any
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// Usage records token consumption and cost for one successful conversion.
type Usage struct {
	ID             int64
	DocumentID     string
	Operation      string
	InputTokens    int
	OutputTokens   int
	BaseCostCents  int64
	MarginPercent  int
	TotalCostCents int64
	CreatedAt      time.Time
}

// JobOutcome is the terminal write for a job and its document, applied in a
// single transaction so readers never observe a completed job with a
// non-completed document.
type JobOutcome struct {
	JobID      string
	DocumentID string
	Failed     bool
	// Result is the opaque job result payload (JSON).
	Result string
	// Content is the produced Markdown; ignored when Failed.
	Content  string
	Metadata map[string]any
	Error    string
}

// Repositories (ports)

type DocumentRepository interface {
	Create(ctx Context, d Document) (string, error)
	Get(ctx Context, id string) (Document, error)
	ListByBatch(ctx Context, batchID string) ([]Document, error)
	// MarkFailed is the best-effort failure write used from error paths; the
	// authoritative terminal write is JobRepository.CompleteWithDocument.
	MarkFailed(ctx Context, id, errText string) error
	MarkArchived(ctx Context, id string, metadata map[string]any) error
}

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// ClaimNext atomically moves the single best due pending job to
	// processing on behalf of workerID. Returns (nil, nil) when no job is due.
	ClaimNext(ctx Context, workerID string) (*Job, error)
	CompleteWithDocument(ctx Context, out JobOutcome) error
	// Complete finishes a job whose document transition happens elsewhere
	// (the archive handler owns the completed->archived document write).
	Complete(ctx Context, jobID, result string) error
	// Fail reschedules the job with backoff while attempts remain, and makes
	// it terminal failed otherwise.
	Fail(ctx Context, jobID, errText string) error
	// FailTerminal fails a job immediately regardless of remaining attempts;
	// used for failures retrying can never repair.
	FailTerminal(ctx Context, jobID, errText string) error
	// CleanupOrphans resets or fails jobs stuck in processing longer than
	// olderThan and returns how many rows it touched.
	CleanupOrphans(ctx Context, olderThan time.Duration) (int, error)
	// HasDue reports whether any pending job is ready to claim.
	HasDue(ctx Context) (bool, error)
	// ScheduleArchiveDue enqueues archive jobs for completed documents whose
	// retention window has elapsed and returns how many were enqueued.
	ScheduleArchiveDue(ctx Context) (int, error)
}

type BatchRepository interface {
	Create(ctx Context, b Batch) (string, error)
	Get(ctx Context, id string) (Batch, error)
	List(ctx Context, userID string, limit, offset int) ([]Batch, error)
	// UpdateProgress recounts child documents and derives the batch status.
	UpdateProgress(ctx Context, id string) (Batch, error)
}

type UsageRepository interface {
	Insert(ctx Context, u Usage) error
	ListByDocument(ctx Context, documentID string) ([]Usage, error)
	Totals(ctx Context) (UsageTotals, error)
}

// UsageTotals aggregates usage rows for reporting.
type UsageTotals struct {
	Conversions    int64
	InputTokens    int64
	OutputTokens   int64
	TotalCostCents int64
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Size         int64
	LastModified time.Time
	ETag         string
	MIME         string
}

// BlobStore (port)

type BlobStore interface {
	Stat(ctx Context, key string) (BlobInfo, error)
	Get(ctx Context, key string) ([]byte, error)
	// GetToFile streams the object to a local path; used for large blobs the
	// worker does not want resident twice in memory.
	GetToFile(ctx Context, key, path string) error
	Put(ctx Context, key string, r io.Reader, size int64, mime string) error
	Copy(ctx Context, src, dst string) error
	Delete(ctx Context, key string) error
	Exists(ctx Context, key string) (bool, error)
	Presign(key, method string, expires time.Duration, mime string) (string, error)
}

// OCRResult is a full conversion result; providers must never return partial
// pages.
type OCRResult struct {
	Pages            []string
	Model            string
	Temperature      float64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// OCRClient (port)

type OCRClient interface {
	Convert(ctx Context, data []byte, mime, filename string) (OCRResult, error)
}
