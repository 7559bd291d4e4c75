package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// NonTerminalStatuses lists every state a job can still transition out of.
// Terminal transitions are guarded against this set so they apply at most once.
var NonTerminalStatuses = []JobStatus{JobStatusPending, JobStatusRunning, JobStatusProcessing}

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	for _, open := range NonTerminalStatuses {
		if s == open {
			return false
		}
	}
	return true
}

// QuotaReservation records how much quota a job claimed at creation time.
// It is released on failure and consumed permanently on success.
type QuotaReservation struct {
	ReservedCount int       `json:"reservedCount"`
	ReservedAt    time.Time `json:"reservedAt"`
}

// GenerationParams carries the tenant-submitted generation request.
type GenerationParams struct {
	Prompt          string `json:"prompt"`
	Style           string `json:"style,omitempty"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	InputAssetID    string `json:"inputAssetId,omitempty"`
}

// JobOptions is the structured record stored alongside a job. Named optional
// fields replace the open map older deployments stored, so the compiler
// enforces which fields can coexist.
type JobOptions struct {
	Params            GenerationParams  `json:"params"`
	CallbackTokenHash string            `json:"callbackTokenHash,omitempty"`
	Reservation       *QuotaReservation `json:"reservation,omitempty"`
}

// Job encapsulates one unit of requested generation work tracked through a
// terminal state machine. FinishedAt is set exactly once, on the first
// successful terminal transition.
type Job struct {
	ID           string
	TenantID     string
	Status       JobStatus
	Options      JobOptions
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}
