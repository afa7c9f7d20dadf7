package storage

import (
	"time"

	"github.com/google/uuid"
)

// Shoot run status values.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type RunRecord struct {
	ID          uuid.UUID  `json:"id"`
	Targets     []float64  `json:"targets"`
	Seq0        []float64  `json:"seq0"`
	Seq1        []float64  `json:"seq1"`
	Dropped     []float64  `json:"dropped"`
	Capture     bool       `json:"capture"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Captures    int        `json:"captures"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type MachineErrorRecord struct {
	ID         int64     `json:"id"`
	Reason     string    `json:"reason"`
	State      string    `json:"state"`
	OccurredAt time.Time `json:"occurred_at"`
}
