package jobs

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeIngestImage   Type = "ingest_image"
	TypeIngestVideo   Type = "ingest_video"
	TypeIngestPDF     Type = "ingest_pdf"
	TypeGenerateCards Type = "ai_generate_cards"
)

// Types lists every job type the worker knows how to run.
var Types = []Type{TypeIngestImage, TypeIngestVideo, TypeIngestPDF, TypeGenerateCards}

func (t Type) Valid() bool {
	switch t {
	case TypeIngestImage, TypeIngestVideo, TypeIngestPDF, TypeGenerateCards:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

var Statuses = []Status{StatusQueued, StatusProcessing, StatusDone, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// failed -> queued is only taken by an administrative retry.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusDone || to == StatusFailed
	case StatusFailed:
		return to == StatusQueued
	default:
		return false
	}
}

// Job is one unit of work. Input is immutable after creation; Output is set
// only on done and Error only on failed.
type Job struct {
	ID         int64           `json:"id"`
	Type       Type            `json:"type"`
	Status     Status          `json:"status"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	Error      *string         `json:"error"`
	CreatedBy  string          `json:"created_by"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func (j *Job) ErrorMessage() string {
	if j == nil || j.Error == nil {
		return ""
	}
	return *j.Error
}

// Thresholds for stuck processing jobs. Detect marks a job as stuck for
// health and alerting; Fail is the age at which ReclaimStuck fails it.
type Thresholds struct {
	Detect time.Duration
	Fail   time.Duration
}

var DefaultThresholds = Thresholds{
	Detect: 10 * time.Minute,
	Fail:   30 * time.Minute,
}

const (
	DefaultRetentionDays = 30

	// StuckReason is recorded on jobs failed by ReclaimStuck.
	StuckReason = "Job stuck in processing state - automatically failed"
)

// Stats is the queue depth broken down by status and type.
type Stats struct {
	Total    int                     `json:"total"`
	ByStatus map[Status]int          `json:"by_status"`
	ByType   map[Type]map[Status]int `json:"by_type"`
}

type ReclaimResult struct {
	Reclaimed int     `json:"reclaimed"`
	JobIDs    []int64 `json:"job_ids"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Input != nil {
		tmp.Input = append(json.RawMessage(nil), job.Input...)
	}
	if job.Output != nil {
		tmp.Output = append(json.RawMessage(nil), job.Output...)
	}
	if job.Error != nil {
		msg := *job.Error
		tmp.Error = &msg
	}
	return &tmp
}
