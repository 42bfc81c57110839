package models

import "time"

type EventType string

const (
	EventArrival EventType = "arrival"
	EventTrigger EventType = "trigger"
)

// Event is the queue wire form of arrivals and triggers pushed by the
// chat transport.
type Event struct {
	Type            EventType `json:"type"`
	Session         string    `json:"session"`
	TriggerID       string    `json:"triggerId,omitempty"`
	Name            string    `json:"name,omitempty"`
	SequenceHint    string    `json:"sequenceHint,omitempty"`
	S3Key           string    `json:"s3Key,omitempty"`
	Premium         bool      `json:"premium,omitempty"`
	UploadsComplete bool      `json:"uploadsComplete,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Trigger asks the coordinator to convert everything staged for a session.
type Trigger struct {
	SessionKey string
	TriggerID  string
	Premium    bool
	// UploadsComplete means the transport acknowledged that every arrival
	// for this trigger has landed, so no settle window is needed.
	UploadsComplete bool
}
