package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhorn/docmd/internal/domain"
)

func newTestRepos(t *testing.T) (*Store, *DocumentRepo, *JobRepo, *BatchRepo) {
	t.Helper()
	s := newTestStore(t)
	batches := NewBatchRepo(s)
	return s, NewDocumentRepo(s), NewJobRepo(s, batches), batches
}

func seedDoc(t *testing.T, docs *DocumentRepo, id string, batchID *string) {
	t.Helper()
	_, err := docs.Create(context.Background(), domain.Document{
		ID:            id,
		FileName:      id + ".pdf",
		MIME:          "application/pdf",
		SizeBytes:     100,
		BlobKey:       "documents/" + id + "/" + id + ".pdf",
		Status:        domain.DocumentPending,
		RetentionDays: 90,
		BatchID:       batchID,
	})
	require.NoError(t, err)
}

func seedJob(t *testing.T, jobs *JobRepo, docID string, priority, maxAttempts int) string {
	t.Helper()
	id, err := jobs.Create(context.Background(), domain.Job{
		DocumentID:  docID,
		Type:        domain.JobTypeConvert,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return id
}

func backdate(t *testing.T, s *Store, query string, args ...any) {
	t.Helper()
	_, err := s.db.Exec(query, args...)
	require.NoError(t, err)
}

func TestClaimOrderPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)

	low := seedJob(t, jobs, "d1", 0, 3)
	highOld := seedJob(t, jobs, "d1", 5, 3)
	highNew := seedJob(t, jobs, "d1", 5, 3)

	var order []string
	for i := 0; i < 3; i++ {
		j, err := jobs.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, j)
		order = append(order, j.ID)
		assert.Equal(t, domain.JobProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.WorkerID)
		assert.Equal(t, "w1", *j.WorkerID)
		require.NotNil(t, j.StartedAt)
	}
	assert.Equal(t, []string{highOld, highNew, low}, order)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimConcurrentWorkersNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	for i := 0; i < 3; i++ {
		seedJob(t, jobs, "d1", 0, 3)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				j, err := jobs.ClaimNext(ctx, fmt.Sprintf("w%d", worker))
				if !assert.NoError(t, err) || j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	for id, n := range claimed {
		assert.Equal(t, 1, n, id)
	}
}

func TestClaimMarksDocumentProcessing(t *testing.T) {
	ctx := context.Background()
	s, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 3)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)

	doc, err := docs.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentProcessing, doc.Status)

	// A retry claims the same job again without disturbing the document.
	require.NoError(t, jobs.Fail(ctx, id, "ocr: provider status 500"))
	backdate(t, s, `UPDATE jobs SET scheduled_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), id)
	j, err = jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)

	doc, err = docs.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentProcessing, doc.Status)
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	_, err := jobs.Create(ctx, domain.Job{
		DocumentID:  "d1",
		Type:        domain.JobTypeConvert,
		MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j)

	due, err := jobs.HasDue(ctx)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestFailReschedulesWithGrowingBackoff(t *testing.T) {
	ctx := context.Background()
	s, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 3)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)

	before := time.Now().UTC()
	require.NoError(t, jobs.Fail(ctx, id, "ocr: provider status 500"))

	got, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.WorkerID)
	assert.Equal(t, "ocr: provider status 500", got.Error)
	// First retry waits two minutes.
	assert.WithinDuration(t, before.Add(2*time.Minute), got.ScheduledAt, 5*time.Second)

	// Not claimable until the delay elapses.
	j, err = jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j)

	// Force it due and fail again: the delay doubles.
	backdate(t, s, `UPDATE jobs SET scheduled_at = ? WHERE id = ?`, before.Add(-time.Minute), id)
	j, err = jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)

	before = time.Now().UTC()
	require.NoError(t, jobs.Fail(ctx, id, "ocr: provider status 500"))
	got, err = jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(4*time.Minute), got.ScheduledAt, 5*time.Second)
}

func TestFailAfterLastAttemptIsTerminal(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 1)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)

	require.NoError(t, jobs.Fail(ctx, id, "boom"))
	got, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Failing an already terminal job is a no-op.
	require.NoError(t, jobs.Fail(ctx, id, "boom again"))
	got, err = jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)
}

func TestCompleteWithDocumentIsAtomicAndOnce(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 3)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)

	out := domain.JobOutcome{
		JobID:      id,
		DocumentID: "d1",
		Result:     `{"pages":2}`,
		Content:    "# Converted",
		Metadata:   map[string]any{"model": "test-model"},
	}
	require.NoError(t, jobs.CompleteWithDocument(ctx, out))

	got, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, `{"pages":2}`, got.Result)

	doc, err := docs.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentCompleted, doc.Status)
	require.NotNil(t, doc.Content)
	assert.Equal(t, "# Converted", *doc.Content)
	assert.Equal(t, "test-model", doc.Metadata["model"])
	require.NotNil(t, doc.ProcessedAt)

	// A second terminal write must be rejected, not applied twice.
	err = jobs.CompleteWithDocument(ctx, out)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCompleteWithDocumentFailedOutcome(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 3)

	_, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, jobs.CompleteWithDocument(ctx, domain.JobOutcome{
		JobID:      id,
		DocumentID: "d1",
		Failed:     true,
		Error:      "unreadable scan",
	}))

	got, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)

	doc, err := docs.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentFailed, doc.Status)
	assert.Equal(t, "unreadable scan", doc.Error)
	assert.Nil(t, doc.ProcessedAt)
}

func TestFailTerminalSkipsRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 3)

	_, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, jobs.FailTerminal(ctx, id, "document d1 missing"))
	got, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestCompleteLeavesDocumentAlone(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	id := seedJob(t, jobs, "d1", 0, 3)

	_, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, jobs.Complete(ctx, id, `{"archive_blob_key":"archive/d1/d1.pdf"}`))
	got, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)

	// The claim moved the document to processing; Complete itself never
	// touches document rows.
	doc, err := docs.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentProcessing, doc.Status)
	assert.Nil(t, doc.ProcessedAt)
}

func TestCleanupOrphansPartitionsByRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	s, docs, jobs, batches := newTestRepos(t)

	batchID, err := batches.Create(ctx, domain.Batch{TotalDocuments: 1})
	require.NoError(t, err)
	seedDoc(t, docs, "d1", &batchID)
	seedDoc(t, docs, "d2", nil)

	exhausted := seedJob(t, jobs, "d1", 0, 1)
	retryable := seedJob(t, jobs, "d2", 0, 3)

	for i := 0; i < 2; i++ {
		_, err := jobs.ClaimNext(ctx, "w1")
		require.NoError(t, err)
	}
	stale := time.Now().UTC().Add(-10 * time.Minute)
	backdate(t, s, `UPDATE jobs SET started_at = ?`, stale)

	n, err := jobs.CleanupOrphans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Out of attempts: job and document fail together.
	j1, err := jobs.Get(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j1.Status)
	assert.Equal(t, orphanFailureError, j1.Error)
	d1, err := docs.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentFailed, d1.Status)
	assert.Equal(t, orphanFailureError, d1.Error)
	assert.Nil(t, d1.ProcessedAt)

	// Its batch projection was recomputed after the sweep.
	b, err := batches.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.FailedDocuments)
	assert.Equal(t, domain.BatchFailed, b.Status)

	// Attempts remain: reset to pending with a short delay, claim released.
	j2, err := jobs.Get(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j2.Status)
	assert.Nil(t, j2.WorkerID)
	assert.Nil(t, j2.StartedAt)
	assert.WithinDuration(t, time.Now().UTC().Add(10*time.Second), j2.ScheduledAt, 5*time.Second)

	// A second sweep finds nothing.
	n, err = jobs.CleanupOrphans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanupOrphansIgnoresFreshJobs(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)
	seedJob(t, jobs, "d1", 0, 3)

	_, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	n, err := jobs.CleanupOrphans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleArchiveDueEnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	s, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil)

	// Complete the document and age it past its retention window.
	id := seedJob(t, jobs, "d1", 0, 3)
	_, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, jobs.CompleteWithDocument(ctx, domain.JobOutcome{
		JobID: id, DocumentID: "d1", Content: "# Done",
	}))
	backdate(t, s, `UPDATE documents SET retention_days = 1, created_at = ? WHERE id = 'd1'`,
		time.Now().UTC().Add(-48*time.Hour))

	n, err := jobs.ScheduleArchiveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The pending archive job dedupes the next sweep.
	n, err = jobs.ScheduleArchiveDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	j, err := jobs.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, domain.JobTypeArchive, j.Type)
	assert.Equal(t, "d1", j.DocumentID)
}

func TestScheduleArchiveDueSkipsUnexpiredAndNonCompleted(t *testing.T) {
	ctx := context.Background()
	_, docs, jobs, _ := newTestRepos(t)
	seedDoc(t, docs, "d1", nil) // pending, fresh

	n, err := jobs.ScheduleArchiveDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
