package models

import (
	"math"
	"time"
)

// SequenceKey orders staged files. Unsequenced sorts after every parsed key.
type SequenceKey int64

const Unsequenced SequenceKey = math.MaxInt64

func (k SequenceKey) Valid() bool {
	return k != Unsequenced
}

type StagedFile struct {
	SequenceKey  SequenceKey `json:"sequenceKey"`
	ArrivalIndex uint64      `json:"arrivalIndex"`
	OriginalName string      `json:"originalName"`
	Path         string      `json:"path"`
	SizeBytes    int64       `json:"sizeBytes"`
	Extension    string      `json:"extension"`
	StagedAt     time.Time   `json:"stagedAt"`
}
