// Package job defines the spreadsheet export job model and the ports the
// export pipeline depends on.
package job

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// Status represents the lifecycle state of an export job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned when a job or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a job whose ID is taken.
	ErrExists = errors.New("job already exists")
)

// Job is the metadata persisted for each export request.
type Job struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	UploadID  string     `json:"upload_id"`
	SheetName string     `json:"sheet_name"`
	ResultKey string     `json:"-"`
	ResultURI string     `json:"result_uri,omitempty"`
	Rows      int        `json:"rows"`
	ErrorText string     `json:"error_text,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
}

// Outcome carries the fields a worker records when a job advances.
type Outcome struct {
	Rows      int
	ResultKey string
	ResultURI string
}

// Item wraps a job ready to run.
type Item struct {
	JobID     string
	UploadID  string
	SheetName string
	Submitted int64
}

// Event is the notification fanned out when a job finishes.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	UploadID  string `json:"upload_id"`
	ResultURI string `json:"result_uri,omitempty"`
	Rows      int    `json:"rows"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Event types.
const (
	EventCompleted = "export.completed"
	EventFailed    = "export.failed"
)

// Store persists job metadata.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status Status, errText string, out Outcome, at time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// BlobStore writes and reads raw artifacts. PutObject returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for export jobs.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and upload IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Apply advances j to status at the given instant, stamping Started on the first
// transition to running and Finished on terminal states. Stores share it so the
// transition rules live in one place.
func Apply(j *Job, status Status, errText string, out Outcome, at time.Time) {
	j.Status = status
	j.ErrorText = errText
	if out.Rows > 0 {
		j.Rows = out.Rows
	}
	if out.ResultKey != "" {
		j.ResultKey = out.ResultKey
	}
	if out.ResultURI != "" {
		j.ResultURI = out.ResultURI
	}
	if status == StatusRunning && j.Started == nil {
		ts := at
		j.Started = &ts
	}
	if status.Terminal() {
		ts := at
		j.Finished = &ts
	}
}

// UploadKey is the blob path of an uploaded CSV file.
func UploadKey(prefix, uploadID string) string {
	return joinKey(prefix, uploadID+".csv")
}

// ExportKey is the blob path of a generated workbook.
func ExportKey(prefix, jobID string) string {
	return joinKey(prefix, jobID+".xlsx")
}

func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// EventType exposes the event type as a message attribute.
func (e Event) EventType() string {
	return e.Type
}
