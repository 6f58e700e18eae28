// Package worker implements the export pipeline execution loop.
package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/export"
	"github.com/JakeFAU/msgbridge/internal/job"
	"github.com/JakeFAU/msgbridge/internal/metrics"
	"github.com/JakeFAU/msgbridge/internal/telemetry"
)

const finalizeTimeout = 5 * time.Second

// Config controls Worker behavior.
type Config struct {
	UploadPrefix string
	ExportPrefix string
	Topic        string
	// JobTimeout bounds a single export. Zero disables the bound.
	JobTimeout time.Duration
	// MaxUploadBytes caps how much of an upload is read. Zero disables the cap.
	MaxUploadBytes int64
}

// Worker consumes queue items and executes the export pipeline.
type Worker struct {
	queue     job.Queue
	jobStore  job.Store
	blobStore job.BlobStore
	publisher job.Publisher
	clock     job.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue job.Queue,
	jobStore job.Store,
	blobStore job.BlobStore,
	publisher job.Publisher,
	clock job.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		blobStore: blobStore,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue dequeue failed; worker stopping", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item job.Item) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer("worker").Start(ctx, "export.job", trace.WithAttributes(
		attribute.String("job.id", item.JobID),
		attribute.String("upload.id", item.UploadID),
	))
	defer span.End()

	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("upload_id", item.UploadID))

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	if err := w.jobStore.UpdateJobStatus(jobCtx, item.JobID, job.StatusRunning, "", job.Outcome{}, w.clock.Now()); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "update job status failed")
		return
	}

	out, err := w.export(jobCtx, item)
	status := job.StatusSucceeded
	errText := ""
	if err != nil {
		status = job.StatusFailed
		errText = err.Error()
		logger.Warn("export failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
	} else {
		span.SetAttributes(attribute.Int("export.rows", out.Rows))
		logger.Info("export completed", zap.Int("rows", out.Rows), zap.String("result_uri", out.ResultURI))
	}

	// The job context may already be done; the final state must still be recorded.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := w.jobStore.UpdateJobStatus(finalCtx, item.JobID, status, errText, out, w.clock.Now()); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(status))
	w.publishResult(finalCtx, item, status, errText, out)
}

func (w *Worker) export(ctx context.Context, item job.Item) (job.Outcome, error) {
	rc, err := w.blobStore.GetObject(ctx, job.UploadKey(w.cfg.UploadPrefix, item.UploadID))
	if err != nil {
		return job.Outcome{}, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var src io.Reader = rc
	if w.cfg.MaxUploadBytes > 0 {
		src = io.LimitReader(rc, w.cfg.MaxUploadBytes)
	}
	rows, err := export.ParseCSV(src)
	if err != nil {
		return job.Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return job.Outcome{}, fmt.Errorf("export interrupted: %w", err)
	}

	data, err := export.BuildWorkbook(item.SheetName, rows)
	if err != nil {
		return job.Outcome{}, fmt.Errorf("build workbook: %w", err)
	}

	key := job.ExportKey(w.cfg.ExportPrefix, item.JobID)
	uri, err := w.blobStore.PutObject(ctx, key, export.ContentType, data)
	if err != nil {
		return job.Outcome{}, fmt.Errorf("put object: %w", err)
	}
	// The header row is not counted.
	return job.Outcome{Rows: len(rows) - 1, ResultKey: key, ResultURI: uri}, nil
}

func (w *Worker) publishResult(ctx context.Context, item job.Item, status job.Status, errText string, out job.Outcome) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event := job.Event{
		Type:      job.EventCompleted,
		JobID:     item.JobID,
		UploadID:  item.UploadID,
		ResultURI: out.ResultURI,
		Rows:      out.Rows,
		Timestamp: w.clock.Now().Format(time.RFC3339),
	}
	if status == job.StatusFailed {
		event.Type = job.EventFailed
		event.Error = errText
	}
	msgID, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		// The workbook is already stored; a lost notification does not fail the job.
		w.logger.Warn("publish job event failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	w.logger.Info("job event published",
		zap.String("job_id", item.JobID),
		zap.String("type", event.Type),
		zap.String("message_id", msgID),
	)
}
