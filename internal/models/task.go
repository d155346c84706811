package models

import (
	"time"
)

// FileKind is the detected kind of an uploaded file.
type FileKind string

const (
	KindImage    FileKind = "image"
	KindDocument FileKind = "document"
	KindText     FileKind = "text"
)

// Artifact areas inside a task directory.
const (
	AreaInputs       = "inputs"
	AreaIntermediate = "intermediate"
	AreaOutputs      = "outputs"
)

// Options are the per-task processing switches requested by the client.
type Options struct {
	Summary  bool `json:"summary"`
	Cleanup  bool `json:"cleanup"`
	Metadata bool `json:"metadata"`
}

// RecognizeOptions describe the image handed to a recognizer.
type RecognizeOptions struct {
	MimeType string
}

// EnhanceOptions steer the rewrite of recognized text.
type EnhanceOptions struct {
	Summary bool
	Title   string
}

// ArtifactRef points at one persisted file of a task.
type ArtifactRef struct {
	TaskID     string    `json:"taskId"`
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"lastAccess"`
}

// Name is the file name part of the key.
func (r ArtifactRef) Name() string {
	for i := len(r.Key) - 1; i >= 0; i-- {
		if r.Key[i] == '/' {
			return r.Key[i+1:]
		}
	}
	return r.Key
}

// Upload is one file handed to the scheduler.
type Upload struct {
	Filename string
	Data     []byte
}

// Size returns the payload length.
func (u Upload) Size() int64 {
	return int64(len(u.Data))
}

// FileJob is the processing unit for one file within a task.
type FileJob struct {
	ID         string       `json:"id"`
	Index      int          `json:"index"`
	Filename   string       `json:"filename"`
	Kind       FileKind     `json:"kind"`
	MimeType   string       `json:"mimeType"`
	Size       int64        `json:"size"`
	InputName  string       `json:"-"`
	OutputName string       `json:"outputName"`
	Stage      Stage        `json:"stage"`
	Error      string       `json:"error,omitempty"`
	Output     *ArtifactRef `json:"output,omitempty"`
	RetryCount int          `json:"retryCount"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Task is one submitted batch. Its aggregate status is always derived from
// the jobs and never stored.
type Task struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Options   Options    `json:"options"`
	Jobs      []*FileJob `json:"jobs"`
}

// TaskStatus is the aggregate state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusPartial    TaskStatus = "partial"
	StatusFailed     TaskStatus = "failed"
)

// Counts tallies jobs by outcome.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// FileSnapshot is the externally visible state of one FileJob.
type FileSnapshot struct {
	ID         string   `json:"id"`
	Filename   string   `json:"filename"`
	Kind       FileKind `json:"kind"`
	Stage      Stage    `json:"stage"`
	OutputName string   `json:"outputName,omitempty"`
	Error      string   `json:"error,omitempty"`
	RetryCount int      `json:"retryCount"`
}

// FailedFile is the filename and reason of a failed job.
type FailedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// TaskSnapshot is a point-in-time view of a task computed from its jobs.
type TaskSnapshot struct {
	TaskID    string         `json:"taskId"`
	Status    TaskStatus     `json:"status"`
	Terminal  bool           `json:"terminal"`
	Percent   int            `json:"percent"`
	Counts    Counts         `json:"counts"`
	Files     []FileSnapshot `json:"files"`
	Failed    []FailedFile   `json:"failed"`
	Options   Options        `json:"options"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Snapshot derives the aggregate view. The caller must hold whatever lock
// guards the task's jobs.
func (t *Task) Snapshot() TaskSnapshot {
	snap := TaskSnapshot{
		TaskID:    t.ID,
		Options:   t.Options,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		Files:     make([]FileSnapshot, 0, len(t.Jobs)),
		Failed:    make([]FailedFile, 0),
	}

	progress := 0
	for _, job := range t.Jobs {
		snap.Files = append(snap.Files, FileSnapshot{
			ID:         job.ID,
			Filename:   job.Filename,
			Kind:       job.Kind,
			Stage:      job.Stage,
			OutputName: job.OutputName,
			Error:      job.Error,
			RetryCount: job.RetryCount,
		})
		progress += job.Stage.Progress()

		switch {
		case job.Stage.Done():
			snap.Counts.Succeeded++
		case job.Stage == StageFailed:
			snap.Counts.Failed++
			snap.Failed = append(snap.Failed, FailedFile{Filename: job.Filename, Reason: job.Error})
		default:
			snap.Counts.Pending++
		}
	}
	snap.Counts.Total = len(t.Jobs)

	if len(t.Jobs) > 0 {
		snap.Percent = progress / len(t.Jobs)
	}
	snap.Terminal = snap.Counts.Pending == 0
	snap.Status = aggregateStatus(t.Jobs, snap.Counts)
	return snap
}

func aggregateStatus(jobs []*FileJob, c Counts) TaskStatus {
	if c.Pending > 0 {
		for _, job := range jobs {
			if job.Stage != StageUploaded {
				return StatusProcessing
			}
		}
		return StatusPending
	}
	switch {
	case c.Failed == 0:
		return StatusCompleted
	case c.Succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Extraction is the result of the extract stage. Text-bearing files fill
// Text; images fill Image with the normalized bytes to recognize.
type Extraction struct {
	Text     string
	Image    []byte
	MimeType string
	Pages    int
}
