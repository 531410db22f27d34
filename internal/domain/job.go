package domain

import "time"

// JobStatus enumerates the lifecycle of one remote generation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimedOut  JobStatus = "timed_out"
)

// IsTerminal reports whether no further transitions may happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// JobHandle identifies a job accepted by the remote queue.
type JobHandle struct {
	PromptID    string
	Number      int
	ClientID    string
	SubmittedAt time.Time
}

// ProgressEvent is one status update for a job. Node and Progress are
// optional.
type ProgressEvent struct {
	JobID    string
	Status   JobStatus
	Node     string
	Progress *float64
	Message  string
	At       time.Time
}

// ArtifactRef points at an output file held by the generation service.
type ArtifactRef struct {
	NodeID    string `json:"node_id"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Artifact is a downloaded output.
type Artifact struct {
	Ref  ArtifactRef
	MIME string
	Data []byte
	Path string
}

// GenerationResult is produced exactly once per job, after its terminal
// event.
type GenerationResult struct {
	Success   bool
	JobID     string
	Status    JobStatus
	Artifacts []Artifact
	Duration  time.Duration
	Error     string
	Err       error `json:"-"`
}
