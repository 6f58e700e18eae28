package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/export"
	"github.com/JakeFAU/msgbridge/internal/job"
)

func newTestWorker(queue *fakeQueue, store *fakeJobStore, blobs *fakeBlobStore, pub *fakePublisher, cfg Config) *Worker {
	return New(queue, store, blobs, pub, &fakeClock{now: time.Unix(100, 0).UTC()}, cfg, zap.NewNop())
}

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []job.Item{{JobID: "job-success", UploadID: "up-1", SheetName: "Prices"}}}
	store := newFakeJobStore()
	blobs := newFakeBlobStore()
	blobs.objects["uploads/up-1.csv"] = []byte("item,price\nMilk,3.49\nEggs,2\n")
	pub := newFakePublisher()

	w := newTestWorker(queue, store, blobs, pub, Config{
		UploadPrefix: "uploads",
		ExportPrefix: "exports",
		Topic:        "exports",
	})

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.lastStatus() == job.StatusSucceeded
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []job.Status{job.StatusRunning, job.StatusSucceeded}, store.statuses())
	last := store.last()
	assert.Equal(t, 2, last.out.Rows)
	assert.Equal(t, "exports/job-success.xlsx", last.out.ResultKey)
	assert.Equal(t, "fake://exports/job-success.xlsx", last.out.ResultURI)
	assert.Equal(t, export.ContentType, blobs.contentTypes["exports/job-success.xlsx"])

	f, err := excelize.OpenReader(bytes.NewReader(blobs.get("exports/job-success.xlsx")))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Prices")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	event, ok := pub.snapshot()[0].(job.Event)
	require.True(t, ok)
	assert.Equal(t, job.EventCompleted, event.Type)
	assert.Equal(t, "job-success", event.JobID)
	assert.Equal(t, 2, event.Rows)
	assert.Equal(t, "1970-01-01T00:01:40Z", event.Timestamp)
}

func TestWorker_ProcessJob_MissingUploadFails(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []job.Item{{JobID: "job-missing", UploadID: "nope"}}}
	store := newFakeJobStore()
	pub := newFakePublisher()
	w := newTestWorker(queue, store, newFakeBlobStore(), pub, Config{Topic: "exports"})

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.lastStatus() == job.StatusFailed
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, store.last().errText, "open upload")

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	event := pub.snapshot()[0].(job.Event)
	assert.Equal(t, job.EventFailed, event.Type)
	assert.NotEmpty(t, event.Error)
}

func TestWorker_ProcessJob_EmptyCSVFails(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []job.Item{{JobID: "job-empty", UploadID: "empty"}}}
	store := newFakeJobStore()
	blobs := newFakeBlobStore()
	blobs.objects["empty.csv"] = nil
	w := newTestWorker(queue, store, blobs, nil, Config{})

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return store.lastStatus() == job.StatusFailed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, export.ErrEmptySheet.Error(), store.last().errText)
}

func TestWorker_ProcessJob_PublishFailureKeepsSuccess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []job.Item{{JobID: "job-publish-fail", UploadID: "u"}}}
	store := newFakeJobStore()
	blobs := newFakeBlobStore()
	blobs.objects["u.csv"] = []byte("a\n1\n")
	pub := newFakePublisher()
	pub.err = errors.New("pub failure")
	w := newTestWorker(queue, store, blobs, pub, Config{Topic: "exports"})

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return pub.attempts() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, job.StatusSucceeded, store.lastStatus())
}

func TestWorker_ProcessJob_RunningUpdateFailureSkipsJob(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	store.err = errors.New("db down")
	blobs := newFakeBlobStore()
	w := newTestWorker(&fakeQueue{}, store, blobs, nil, Config{})

	w.processJob(context.Background(), job.Item{JobID: "job-x", UploadID: "u"})

	assert.Empty(t, store.statuses())
	assert.Zero(t, blobs.reads)
}

func TestWorker_ProcessJob_TimeoutStillRecordsFailure(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	blobs := newFakeBlobStore()
	blobs.block = true
	w := newTestWorker(&fakeQueue{}, store, blobs, nil, Config{JobTimeout: 20 * time.Millisecond})

	w.processJob(context.Background(), job.Item{JobID: "job-slow", UploadID: "u"})

	assert.Equal(t, job.StatusFailed, store.lastStatus())
	assert.Contains(t, store.last().errText, context.DeadlineExceeded.Error())
}

// Swaps the global tracer provider, so it does not run in parallel.
func TestWorker_ProcessJob_RecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	blobs := newFakeBlobStore()
	blobs.objects["uploads/up-ok.csv"] = []byte("item,price\nMilk,3.49\n")
	w := newTestWorker(&fakeQueue{}, newFakeJobStore(), blobs, newFakePublisher(), Config{
		UploadPrefix: "uploads",
		ExportPrefix: "exports",
	})

	w.processJob(context.Background(), job.Item{JobID: "job-span-ok", UploadID: "up-ok", SheetName: "Sheet1"})
	w.processJob(context.Background(), job.Item{JobID: "job-span-bad", UploadID: "up-missing", SheetName: "Sheet1"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "export.job", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.NotEmpty(t, spans[1].Events, "the failure is recorded as a span event")
}

func TestWorkerRunStopsWhenQueueFails(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{err: errors.New("queue closed")}
	w := newTestWorker(queue, newFakeJobStore(), newFakeBlobStore(), nil, Config{})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept running after a queue failure")
	}
}

type fakeQueue struct {
	mu    sync.Mutex
	items []job.Item
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, item job.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (job.Item, error) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return job.Item{}, q.err
	}
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return job.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
}

type statusUpdate struct {
	status  job.Status
	errText string
	out     job.Outcome
}

type fakeJobStore struct {
	mu      sync.Mutex
	updates []statusUpdate
	err     error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{}
}

func (f *fakeJobStore) CreateJob(context.Context, job.Job) error {
	return nil
}

func (f *fakeJobStore) UpdateJobStatus(
	_ context.Context,
	_ string,
	status job.Status,
	errText string,
	out job.Outcome,
	_ time.Time,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, statusUpdate{status: status, errText: errText, out: out})
	return nil
}

func (f *fakeJobStore) GetJob(context.Context, string) (job.Job, error) {
	return job.Job{}, job.ErrNotFound
}

func (f *fakeJobStore) statuses() []job.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.Status, 0, len(f.updates))
	for _, u := range f.updates {
		out = append(out, u.status)
	}
	return out
}

func (f *fakeJobStore) last() statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return statusUpdate{}
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeJobStore) lastStatus() job.Status {
	return f.last().status
}

type fakeBlobStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	reads        int
	block        bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	b.contentTypes[path] = contentType
	return "fake://" + path, nil
}

func (b *fakeBlobStore) GetObject(ctx context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	b.reads++
	block := b.block
	data, ok := b.objects[path]
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, job.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobStore) get(path string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[path]
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []any
	calls    int
	err      error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *fakePublisher) snapshot() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.messages...)
}

func (p *fakePublisher) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
