package queue

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		AppEnv:             "test",
		DataDir:            "",
		WorkerCount:        1,
		MaxAttempts:        3,
		LargeFileThreshold: 10 << 20,
		MarginPercent:      30,
	}
}

func testDeps() (Deps, *fakeJobs, *fakeDocs, *fakeBatches, *fakeUsage, *fakeBlobs, *fakeOCR) {
	jobs := &fakeJobs{}
	docs := &fakeDocs{}
	batches := &fakeBatches{}
	usage := &fakeUsage{}
	blobs := &fakeBlobs{}
	ocr := &fakeOCR{result: domain.OCRResult{
		Pages:       []string{"# Page one", "# Page two"},
		Model:       "test-model",
		TotalTokens: 1500,
	}}
	return Deps{
		Jobs: jobs, Documents: docs, Batches: batches,
		Usage: usage, Blobs: blobs, OCR: ocr,
	}, jobs, docs, batches, usage, blobs, ocr
}

func testWorker(deps Deps) *Worker {
	return newWorker("worker-test", testConfig(), deps, &atomic.Bool{})
}

func seedDocument(docs *fakeDocs, blobs *fakeBlobs, batchID *string) domain.Document {
	d := domain.Document{
		ID:       "doc-1",
		FileName: "report.pdf",
		MIME:     "application/pdf",
		BlobKey:  "documents/doc-1/report.pdf",
		Status:   domain.DocumentPending,
		BatchID:  batchID,
	}
	_, _ = docs.Create(context.Background(), d)
	_ = blobs.Put(context.Background(), d.BlobKey, bytes.NewReader([]byte("%PDF-1.4 test")), 13, d.MIME)
	return d
}

func TestConvertCommitsMarkdownUsageAndBatch(t *testing.T) {
	deps, jobs, docs, batches, usage, blobs, _ := testDeps()
	batchID := "batch-1"
	seedDocument(docs, blobs, &batchID)

	w := testWorker(deps)
	job := domain.Job{ID: "job-1", DocumentID: "doc-1", Type: domain.JobTypeConvert,
		Status: domain.JobProcessing, Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	require.Len(t, jobs.completed, 1)
	out := jobs.completed[0]
	assert.Equal(t, "job-1", out.JobID)
	assert.False(t, out.Failed)
	assert.Equal(t, "# Page one\n\n---\n\n# Page two", out.Content)
	assert.Equal(t, "test-model", out.Metadata["model"])
	assert.Equal(t, 2, out.Metadata["extracted_pages"])
	assert.Equal(t, false, out.Metadata["used_temp"])

	require.Len(t, usage.rows, 1)
	assert.Equal(t, int64(2), usage.rows[0].BaseCostCents) // 1500 tokens = 2 pages
	assert.Equal(t, int64(3), usage.rows[0].TotalCostCents)

	assert.Equal(t, []string{"batch-1"}, batches.recounts)
	assert.Empty(t, jobs.failed)
	assert.Empty(t, jobs.terminal)
}

func TestConvertSpillsLargeBlobToTempFile(t *testing.T) {
	deps, jobs, docs, _, _, blobs, _ := testDeps()
	seedDocument(docs, blobs, nil)

	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	cfg.LargeFileThreshold = 1
	w := newWorker("worker-test", cfg, deps, &atomic.Bool{})

	job := domain.Job{ID: "job-1", DocumentID: "doc-1", Type: domain.JobTypeConvert,
		Status: domain.JobProcessing, Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	require.Len(t, jobs.completed, 1)
	assert.Equal(t, true, jobs.completed[0].Metadata["used_temp"])

	// Scratch file removed after the read.
	entries, err := os.ReadDir(cfg.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvertMissingDocumentFailsImmediately(t *testing.T) {
	deps, jobs, _, _, _, _, _ := testDeps()

	w := testWorker(deps)
	job := domain.Job{ID: "job-1", DocumentID: "ghost", Type: domain.JobTypeConvert,
		Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	assert.Equal(t, []string{"job-1"}, jobs.terminal)
	assert.Empty(t, jobs.failed)
	assert.Empty(t, jobs.completed)
}

func TestConvertProviderErrorRetries(t *testing.T) {
	deps, jobs, docs, batches, _, blobs, ocr := testDeps()
	seedDocument(docs, blobs, nil)
	ocr.err = errors.New("provider status 500")

	w := testWorker(deps)
	job := domain.Job{ID: "job-1", DocumentID: "doc-1", Type: domain.JobTypeConvert,
		Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	// Attempts remain, so the job goes back through Fail and the document is
	// left alone until the last attempt.
	assert.Equal(t, []string{"job-1"}, jobs.failed)
	assert.Empty(t, jobs.terminal)
	assert.Empty(t, docs.failed)
	assert.Empty(t, batches.recounts)
}

func TestConvertLastAttemptFailsDocument(t *testing.T) {
	deps, jobs, docs, batches, _, blobs, ocr := testDeps()
	batchID := "batch-1"
	seedDocument(docs, blobs, &batchID)
	ocr.err = errors.New("provider status 500")

	w := testWorker(deps)
	job := domain.Job{ID: "job-1", DocumentID: "doc-1", Type: domain.JobTypeConvert,
		Attempts: 3, MaxAttempts: 3}
	w.execute(context.Background(), job)

	assert.Equal(t, []string{"job-1"}, jobs.failed)
	assert.Equal(t, []string{"doc-1"}, docs.failed)
	assert.Equal(t, []string{"batch-1"}, batches.recounts)
}

func TestHandlerPanicBecomesJobFailure(t *testing.T) {
	deps, jobs, docs, _, _, blobs, ocr := testDeps()
	seedDocument(docs, blobs, nil)
	ocr.panics = true

	w := testWorker(deps)
	job := domain.Job{ID: "job-1", DocumentID: "doc-1", Type: domain.JobTypeConvert,
		Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	require.Len(t, jobs.failed, 1)
	assert.Contains(t, jobs.failedErrs[0], "handler panic")
}

func TestUnknownJobTypeIsTerminal(t *testing.T) {
	deps, jobs, _, _, _, _, _ := testDeps()

	w := testWorker(deps)
	job := domain.Job{ID: "job-1", DocumentID: "doc-1", Type: "reindex",
		Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	require.Len(t, jobs.terminal, 1)
	assert.Contains(t, jobs.terminalErrs[0], "unknown job type")
}

func TestArchiveMovesBlobAndFlipsDocument(t *testing.T) {
	deps, jobs, docs, _, _, blobs, _ := testDeps()
	d := seedDocument(docs, blobs, nil)
	d.Status = domain.DocumentCompleted
	docs.docs[d.ID] = d

	w := testWorker(deps)
	job := domain.Job{ID: "job-a", DocumentID: "doc-1", Type: domain.JobTypeArchive,
		Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	require.Len(t, blobs.copies, 1)
	assert.Equal(t, [2]string{"documents/doc-1/report.pdf", "archive/doc-1/report.pdf"}, blobs.copies[0])
	assert.Equal(t, []string{"documents/doc-1/report.pdf"}, blobs.deletes)
	assert.Equal(t, []string{"doc-1"}, docs.archived)
	assert.Equal(t, []string{"job-a"}, jobs.completedJobs)
	assert.Empty(t, jobs.failed)
}

func TestArchiveRejectsNonCompletedDocument(t *testing.T) {
	deps, jobs, docs, _, _, blobs, _ := testDeps()
	seedDocument(docs, blobs, nil) // still pending

	w := testWorker(deps)
	job := domain.Job{ID: "job-a", DocumentID: "doc-1", Type: domain.JobTypeArchive,
		Attempts: 1, MaxAttempts: 3}
	w.execute(context.Background(), job)

	require.Len(t, jobs.terminal, 1)
	assert.Contains(t, jobs.terminalErrs[0], "only completed documents archive")
	assert.Empty(t, blobs.copies)
	assert.Empty(t, docs.archived)
}

func TestDispatcherDrainsIdleWorkersQuickly(t *testing.T) {
	deps, _, _, _, _, _, _ := testDeps()
	cfg := testConfig()
	cfg.WorkerCount = 3
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	cfg.RetentionSweepInterval = time.Hour
	cfg.ShutdownPerWorker = time.Second
	cfg.WorkerStartStagger = 0

	d := NewDispatcher(cfg, deps)
	d.Start(context.Background())

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain idle workers in time")
	}
}

func TestDispatcherProcessesQueuedJobs(t *testing.T) {
	deps, jobs, docs, _, _, blobs, _ := testDeps()
	seedDocument(docs, blobs, nil)
	_, _ = jobs.Create(context.Background(), domain.Job{
		ID: "job-1", DocumentID: "doc-1", Type: domain.JobTypeConvert, MaxAttempts: 3})

	cfg := testConfig()
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	cfg.RetentionSweepInterval = time.Hour
	cfg.ShutdownPerWorker = time.Second
	cfg.WorkerStartStagger = 0

	d := NewDispatcher(cfg, deps)
	d.Start(context.Background())
	defer d.Stop()

	assert.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.completed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
