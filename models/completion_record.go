package models

import (
	"time"

	"github.com/google/uuid"
)

// CompletionRecord is appended to the ledger once per finished job.
type CompletionRecord struct {
	SessionKey string    `json:"sessionKey"`
	JobID      uuid.UUID `json:"jobId"`
	FileCount  int       `json:"fileCount"`
	TotalBytes int64     `json:"totalBytes"`
	Premium    bool      `json:"premium"`
	Succeeded  bool      `json:"succeeded"`
	Timestamp  time.Time `json:"timestamp"`
}
