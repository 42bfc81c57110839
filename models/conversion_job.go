package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobConverting JobStatus = "converting"
	JobDelivering JobStatus = "delivering"
	JobCleaning   JobStatus = "cleaning"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// SessionState is the coordinator's view of a session.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionStaging    SessionState = "staging"
	SessionSettling   SessionState = "settling"
	SessionConverting SessionState = "converting"
	SessionDelivering SessionState = "delivering"
	SessionFailed     SessionState = "failed"
	SessionCleaning   SessionState = "cleaning"
)

// Triggerable reports whether a new job may start from this state.
func (s SessionState) Triggerable() bool {
	return s == SessionIdle || s == SessionStaging || s == ""
}

type ConversionJob struct {
	ID            uuid.UUID    `json:"id"`
	SessionKey    string       `json:"sessionKey"`
	TriggerID     string       `json:"triggerId"`
	Premium       bool         `json:"premium"`
	OrderedInputs []StagedFile `json:"orderedInputs"`
	OutputPath    string       `json:"outputPath"`
	Status        JobStatus    `json:"status"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	FinishedAt    time.Time    `json:"finishedAt,omitempty"`
}

// Artifact is the merged output of one job.
type Artifact struct {
	Path      string
	Pages     int
	SizeBytes int64
	Caption   string
}
