package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/export"
	"github.com/JakeFAU/msgbridge/internal/id/uuid"
	"github.com/JakeFAU/msgbridge/internal/job"
)

type exportRequest struct {
	UploadID  string `json:"upload_id"`
	SheetName string `json:"sheet_name"`
}

func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !uuid.Valid(req.UploadID) {
		writeError(w, http.StatusBadRequest, "upload_id must be a UUID")
		return
	}
	if err := s.uploadExists(r.Context(), req.UploadID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		s.logger.Error("check upload failed", zap.String("upload_id", req.UploadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	jobID, err := s.enqueueExport(r.Context(), req.UploadID, export.SanitizeSheetName(req.SheetName))
	if err != nil {
		s.logger.Error("enqueue export failed", zap.String("upload_id", req.UploadID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(job.StatusQueued)})
}

func (s *Server) uploadExists(ctx context.Context, uploadID string) error {
	rc, err := s.blobs.GetObject(ctx, job.UploadKey(s.cfg.Storage.UploadPrefix, uploadID))
	if err != nil {
		return err
	}
	return rc.Close()
}

func (s *Server) enqueueExport(ctx context.Context, uploadID, sheet string) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	j := job.Job{
		ID:        jobID,
		Status:    job.StatusQueued,
		UploadID:  uploadID,
		SheetName: sheet,
		Submitted: now,
	}
	if err := s.jobs.CreateJob(ctx, j); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := job.Item{
		JobID:     jobID,
		UploadID:  uploadID,
		SheetName: sheet,
		Submitted: now.Unix(),
	}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		// A job nobody will run must not sit in queued forever.
		failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer failCancel()
		if uerr := s.jobs.UpdateJobStatus(failCtx, jobID, job.StatusFailed, "enqueue failed: "+err.Error(), job.Outcome{}, s.clock.Now()); uerr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("export queued", zap.String("job_id", jobID), zap.String("upload_id", uploadID))
	return jobID, nil
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (job.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	j, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return job.Job{}, false
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return job.Job{}, false
	}
	return j, true
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

func (s *Server) downloadExport(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if j.Status != job.StatusSucceeded || j.ResultKey == "" {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "export is not ready",
			"status": string(j.Status),
		})
		return
	}
	rc, err := s.blobs.GetObject(r.Context(), j.ResultKey)
	if err != nil {
		s.logger.Error("open export failed", zap.String("job_id", j.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read export")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", j.ID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream export interrupted", zap.String("job_id", j.ID), zap.Error(err))
	}
}
