package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/clock/system"
	"github.com/JakeFAU/msgbridge/internal/config"
	"github.com/JakeFAU/msgbridge/internal/dispatcher"
	"github.com/JakeFAU/msgbridge/internal/export"
	"github.com/JakeFAU/msgbridge/internal/job"
	queueMemory "github.com/JakeFAU/msgbridge/internal/queue/memory"
	"github.com/JakeFAU/msgbridge/internal/ratelimit"
	storageMemory "github.com/JakeFAU/msgbridge/internal/storage/memory"
)

const (
	testUploadID = "0190d1c4-7b1e-7cc3-9a55-3f2a5c1e8b01"
	testJobID    = "0190d1c4-7b1e-7cc3-9a55-3f2a5c1e8b02"
)

type testEnv struct {
	server *Server
	jobs   *storageMemory.JobStore
	blobs  *storageMemory.BlobStore
	queue  *queueMemory.Queue
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *Deps)) *testEnv {
	t.Helper()

	env := &testEnv{
		jobs:  storageMemory.NewJobStore(),
		blobs: storageMemory.NewBlobStore(),
		queue: queueMemory.NewQueue(10),
	}
	cfg := config.Config{
		Storage: config.StorageConfig{
			UploadPrefix:   "uploads",
			ExportPrefix:   "exports",
			MaxUploadBytes: 1 << 20,
		},
	}
	deps := Deps{
		Jobs:  env.jobs,
		Blobs: env.blobs,
		Queue: dispatcher.New(env.queue, nil),
		IDs:   &fakeIDGen{ids: []string{testJobID}},
		Clock: system.Fixed{At: time.Unix(100, 0).UTC()},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	env.server = NewServer(deps, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedUpload(t *testing.T, id, csv string) {
	t.Helper()
	_, err := e.blobs.PutObject(context.Background(), job.UploadKey("uploads", id), "text/csv", []byte(csv))
	require.NoError(t, err)
}

func multipartRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzTracksInstall(t *testing.T) {
	t.Parallel()

	readiness := NewReadiness()
	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.Readiness = readiness })

	rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "installing", decodeBody(t, rec)["status"])

	readiness.Record(readyResult())
	rec = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ready", body["status"])
	browser, ok := body["browser"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "managed-cloud", browser["mode"])
	assert.Equal(t, "system-browser", browser["strategy"])
}

func TestServer_ReadyzDegraded(t *testing.T) {
	t.Parallel()

	readiness := NewReadiness()
	readiness.Record(degradedResult("registry unreachable"))
	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.Readiness = readiness })

	rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, rec.Body.String(), "registry unreachable")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_UploadStoresCSV(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.IDs = &fakeIDGen{ids: []string{testUploadID}}
	})

	rec := env.do(multipartRequest(t, "file", "prices.csv", []byte("hello world")))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testUploadID, resp.UploadID)
	assert.EqualValues(t, 11, resp.Bytes)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", resp.SHA256)
	assert.Equal(t, "prices.csv", resp.Filename)
	assert.Equal(t, "memory://uploads/"+testUploadID+".csv", resp.URI)
	assert.Equal(t, "text/csv", env.blobs.ContentType(job.UploadKey("uploads", testUploadID)))
}

func TestServer_UploadRejectsOversizedFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config, _ *Deps) { c.Storage.MaxUploadBytes = 8 })

	rec := env.do(multipartRequest(t, "file", "big.csv", []byte("a,b,c\n1,2,3\n")))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "upload exceeds 8 bytes")
}

func TestServer_UploadValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := env.do(multipartRequest(t, "attachment", "x.csv", []byte("a")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `\"file\" is required`)

	rec = env.do(multipartRequest(t, "file", "empty.csv", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "upload is empty")

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("a,b"))
	req.Header.Set("Content-Type", "text/csv")
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "multipart/form-data")
}

func TestServer_CreateExportQueuesJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedUpload(t, testUploadID, "name,price\napple,1.25\n")

	body := fmt.Sprintf(`{"upload_id":%q,"sheet_name":"Q1/Prices"}`, testUploadID)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, fmt.Sprintf(`{"job_id":%q,"status":"queued"}`, testJobID), rec.Body.String())

	stored, err := env.jobs.GetJob(context.Background(), testJobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Equal(t, testUploadID, stored.UploadID)
	assert.Equal(t, "Q1_Prices", stored.SheetName)
	assert.Equal(t, time.Unix(100, 0).UTC(), stored.Submitted)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Item{JobID: testJobID, UploadID: testUploadID, SheetName: "Q1_Prices", Submitted: 100}, item)
}

func TestServer_CreateExportDefaultsSheetName(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedUpload(t, testUploadID, "a\n")

	body := fmt.Sprintf(`{"upload_id":%q}`, testUploadID)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	stored, err := env.jobs.GetJob(context.Background(), testJobID)
	require.NoError(t, err)
	assert.Equal(t, export.DefaultSheetName, stored.SheetName)
}

func TestServer_CreateExportValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	cases := []struct {
		name string
		body string
		code int
	}{
		{name: "invalid json", body: `{`, code: http.StatusBadRequest},
		{name: "traversal id", body: `{"upload_id":"../../etc/passwd"}`, code: http.StatusBadRequest},
		{name: "missing id", body: `{}`, code: http.StatusBadRequest},
		{name: "unknown upload", body: fmt.Sprintf(`{"upload_id":%q}`, testUploadID), code: http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(tc.body)))
		assert.Equal(t, tc.code, rec.Code, tc.name)
	}
	assert.Zero(t, env.queue.Len())
}

func TestServer_CreateExportEnqueueFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedUpload(t, testUploadID, "a\n")
	env.queue.Close()

	body := fmt.Sprintf(`{"upload_id":%q}`, testUploadID)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(body)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	stored, err := env.jobs.GetJob(context.Background(), testJobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorText, "enqueue failed")
	require.NotNil(t, stored.Finished)
}

func TestServer_GetExport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.jobs.CreateJob(context.Background(), job.Job{
		ID:        testJobID,
		Status:    job.StatusSucceeded,
		UploadID:  testUploadID,
		SheetName: "Export",
		ResultKey: "exports/secret-key.xlsx",
		ResultURI: "memory://exports/" + testJobID + ".xlsx",
		Rows:      3,
		Submitted: time.Unix(100, 0).UTC(),
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/"+testJobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	got, ok := body["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "succeeded", got["status"])
	assert.EqualValues(t, 3, got["rows"])
	assert.NotContains(t, rec.Body.String(), "secret-key", "storage keys stay internal")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DownloadExport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	key := job.ExportKey("exports", testJobID)
	_, err := env.blobs.PutObject(ctx, key, export.ContentType, []byte("xlsx-bytes"))
	require.NoError(t, err)
	require.NoError(t, env.jobs.CreateJob(ctx, job.Job{ID: testJobID, Status: job.StatusQueued}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/"+testJobID+"/download", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])

	require.NoError(t, env.jobs.UpdateJobStatus(ctx, testJobID, job.StatusSucceeded, "",
		job.Outcome{Rows: 1, ResultKey: key, ResultURI: "memory://" + key}, time.Unix(200, 0)))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/"+testJobID+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), testJobID+".xlsx")
	assert.Equal(t, "xlsx-bytes", rec.Body.String())
}

func TestServer_DownloadFailedExportConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.jobs.CreateJob(context.Background(), job.Job{ID: testJobID, Status: job.StatusFailed, ErrorText: "boom"}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/"+testJobID+"/download", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"first", "secret"}}
	})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes bypass auth")
	rec = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.NotEqual(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil)
	req.Header.Set("X-API-Key", "wrong")
	require.Equal(t, http.StatusForbidden, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusNotFound, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/exports/missing?api_key=first", nil)
	require.Equal(t, http.StatusNotFound, env.do(req).Code)
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Limiter = ratelimit.NewMemory(ratelimit.Config{RPS: 0.001, Burst: 1})
	})

	first := env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil))
	second := env.do(httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil))

	assert.Equal(t, http.StatusNotFound, first.Code)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, second.Body.String())

	for range 3 {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "probes are never limited")
	}
}

func TestServer_RateLimitUnknownKeysShareAddressBucket(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemory(ratelimit.Config{RPS: 0.001, Burst: 1})
	env := newTestEnv(t, func(c *config.Config, d *Deps) {
		c.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}}
		d.Limiter = limiter
	})

	codes := make([]int, 0, 5)
	for i := range 5 {
		req := httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-API-Key", fmt.Sprintf("bogus-%d", i))
		codes = append(codes, env.do(req).Code)
	}

	assert.Equal(t, http.StatusForbidden, codes[0])
	for _, code := range codes[1:] {
		assert.Equal(t, http.StatusTooManyRequests, code)
	}
	assert.Equal(t, 1, limiter.Len())

	req := httptest.NewRequest(http.MethodGet, "/v1/exports/missing", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusNotFound, env.do(req).Code, "a configured key has its own bucket")
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 60, retryAfterSeconds(config.RateLimitConfig{Backend: "redis", Window: time.Minute}))
	assert.Equal(t, 2, retryAfterSeconds(config.RateLimitConfig{Backend: "redis", Window: 1500 * time.Millisecond}))
	assert.Equal(t, 4, retryAfterSeconds(config.RateLimitConfig{Backend: "memory", RPS: 0.25}))
	assert.Equal(t, 1, retryAfterSeconds(config.RateLimitConfig{Backend: "memory", RPS: 5}))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()

	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	require.NotNil(t, buf)
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
