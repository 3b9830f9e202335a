package queue

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/inkhorn/docmd/internal/domain"
)

// Hand-written fakes for the engine ports. Every mutating call is recorded
// under a mutex so dispatcher tests can assert from the test goroutine.

type fakeJobs struct {
	mu sync.Mutex

	queue []domain.Job // claims pop from the front

	claimed       []string
	completed     []domain.JobOutcome
	completedJobs []string
	failed        []string
	failedErrs    []string
	terminal      []string
	terminalErrs  []string

	completeErr error
	orphans     int
	scheduled   int
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, j)
	return j.ID, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.queue {
		if j.ID == id {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) ClaimNext(_ domain.Context, workerID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	j := f.queue[0]
	f.queue = f.queue[1:]
	j.Status = domain.JobProcessing
	j.Attempts++
	j.WorkerID = &workerID
	f.claimed = append(f.claimed, j.ID)
	return &j, nil
}

func (f *fakeJobs) CompleteWithDocument(_ domain.Context, out domain.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, out)
	return nil
}

func (f *fakeJobs) Complete(_ domain.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedJobs = append(f.completedJobs, jobID)
	return nil
}

func (f *fakeJobs) Fail(_ domain.Context, jobID, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	f.failedErrs = append(f.failedErrs, errText)
	return nil
}

func (f *fakeJobs) FailTerminal(_ domain.Context, jobID, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = append(f.terminal, jobID)
	f.terminalErrs = append(f.terminalErrs, errText)
	return nil
}

func (f *fakeJobs) CleanupOrphans(_ domain.Context, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans++
	return 0, nil
}

func (f *fakeJobs) HasDue(_ domain.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) > 0, nil
}

func (f *fakeJobs) ScheduleArchiveDue(_ domain.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
	return 0, nil
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[string]domain.Document

	failed   []string
	archived []string
}

func (f *fakeDocs) Create(_ domain.Context, d domain.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs == nil {
		f.docs = map[string]domain.Document{}
	}
	f.docs[d.ID] = d
	return d.ID, nil
}

func (f *fakeDocs) Get(_ domain.Context, id string) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocs) ListByBatch(_ domain.Context, _ string) ([]domain.Document, error) {
	return nil, nil
}

func (f *fakeDocs) MarkFailed(_ domain.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeDocs) MarkArchived(_ domain.Context, id string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, id)
	return nil
}

type fakeBatches struct {
	mu       sync.Mutex
	recounts []string
}

func (f *fakeBatches) Create(_ domain.Context, b domain.Batch) (string, error) { return b.ID, nil }
func (f *fakeBatches) Get(_ domain.Context, _ string) (domain.Batch, error) {
	return domain.Batch{}, domain.ErrNotFound
}
func (f *fakeBatches) List(_ domain.Context, _ string, _, _ int) ([]domain.Batch, error) {
	return nil, nil
}

func (f *fakeBatches) UpdateProgress(_ domain.Context, id string) (domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recounts = append(f.recounts, id)
	return domain.Batch{ID: id}, nil
}

type fakeUsage struct {
	mu   sync.Mutex
	rows []domain.Usage
}

func (f *fakeUsage) Insert(_ domain.Context, u domain.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, u)
	return nil
}

func (f *fakeUsage) ListByDocument(_ domain.Context, _ string) ([]domain.Usage, error) {
	return nil, nil
}

func (f *fakeUsage) Totals(_ domain.Context) (domain.UsageTotals, error) {
	return domain.UsageTotals{}, nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte

	copies  [][2]string
	deletes []string
	getErr  error
}

func (f *fakeBlobs) Stat(_ domain.Context, key string) (domain.BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return domain.BlobInfo{}, domain.ErrNotFound
	}
	return domain.BlobInfo{Size: int64(len(b)), MIME: "application/pdf"}, nil
}

func (f *fakeBlobs) Get(_ domain.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlobs) GetToFile(_ domain.Context, key string, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return f.getErr
	}
	b, ok := f.objects[key]
	if !ok {
		return domain.ErrNotFound
	}
	return os.WriteFile(path, b, 0o644)
}

func (f *fakeBlobs) Put(_ domain.Context, key string, r io.Reader, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	f.objects[key] = buf.Bytes()
	return nil
}

func (f *fakeBlobs) Copy(_ domain.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[src]
	if !ok {
		return domain.ErrNotFound
	}
	f.objects[dst] = b
	f.copies = append(f.copies, [2]string{src, dst})
	return nil
}

func (f *fakeBlobs) Delete(_ domain.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeBlobs) Exists(_ domain.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobs) Presign(_ string, _ string, _ time.Duration, _ string) (string, error) {
	return "", domain.ErrInvalidArgument
}

type fakeOCR struct {
	mu     sync.Mutex
	calls  int
	result domain.OCRResult
	err    error
	panics bool
}

func (f *fakeOCR) Convert(_ domain.Context, _ []byte, _, _ string) (domain.OCRResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("provider blew up")
	}
	if f.err != nil {
		return domain.OCRResult{}, f.err
	}
	return f.result, nil
}
