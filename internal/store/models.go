package store

import (
	"encoding/json"
	"time"
)

type Interview struct {
	ID                  string
	ProjectID           string
	Title               string
	TranscriptObjectKey string
	Status              string
	UpdatedAt           time.Time
}

type Annotation struct {
	ID          string
	ProjectID   string
	InterviewID string
	Author      string
	Body        string
	Anchor      string
	UpdatedAt   time.Time
}

// Job statuses. Transitions are pending -> processing -> {completed, failed}
// and failed -> processing via retry. Completed is terminal.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

type AnalysisJob struct {
	ID                  string
	ProjectID           string
	InterviewID         string
	Kind                string
	Payload             json.RawMessage
	Status              string
	Attempt             int
	ProcessingStartedAt *time.Time
	FinishedAt          *time.Time
	Error               *string
	Message             *string
	FailedAt            *time.Time
	ResultObjectKey     *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
