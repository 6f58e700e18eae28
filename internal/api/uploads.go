package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/job"
	"github.com/JakeFAU/msgbridge/internal/metrics"
)

const (
	uploadField       = "file"
	uploadContentType = "text/csv"
	// multipartOverhead leaves room for boundaries and part headers around the file.
	multipartOverhead = 1 << 20
)

type uploadResponse struct {
	UploadID string `json:"upload_id"`
	URI      string `json:"uri"`
	Bytes    int64  `json:"bytes"`
	SHA256   string `json:"sha256"`
	Filename string `json:"filename,omitempty"`
}

func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Storage.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	defer part.Close()

	hr := s.hasher.NewReader(io.LimitReader(part, limit+1))
	data, err := io.ReadAll(hr)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", limit))
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "upload is empty")
		return
	}

	uploadID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate upload id")
		return
	}
	uri, err := s.blobs.PutObject(r.Context(), job.UploadKey(s.cfg.Storage.UploadPrefix, uploadID), uploadContentType, data)
	if err != nil {
		s.logger.Error("store upload failed", zap.String("upload_id", uploadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	metrics.ObserveUpload(hr.BytesRead())
	s.logger.Info("upload stored",
		zap.String("upload_id", uploadID),
		zap.Int64("bytes", hr.BytesRead()),
		zap.String("uri", uri),
	)
	writeJSON(w, http.StatusCreated, uploadResponse{
		UploadID: uploadID,
		URI:      uri,
		Bytes:    hr.BytesRead(),
		SHA256:   hr.Sum(),
		Filename: part.FileName(),
	})
}

var errMissingFile = errors.New("multipart field \"file\" is required")

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFile
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.cfg.Storage.MaxUploadBytes))
	case errors.Is(err, errMissingFile):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid upload")
	}
}
