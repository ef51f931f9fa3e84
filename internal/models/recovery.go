package models

import "time"

// StepStatus is the lifecycle state of one recovery step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step records one stage of a recovery run.
type Step struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   time.Time  `json:"endedAt"`
	Error     string     `json:"error,omitempty"`
}

// RecoveryResult is the immutable audit record of one emergency-recovery run.
// It is appended to the engine's in-process log and never mutated after the
// run completes.
type RecoveryResult struct {
	RecoveryID   string         `json:"recoveryId"`
	StartedAt    time.Time      `json:"startedAt"`
	Steps        []Step         `json:"steps"`
	DataRestored map[string]int `json:"dataRestored"`
	Errors       []string       `json:"errors"`
	Warnings     []string       `json:"warnings"`
	Success      bool           `json:"success"`
}

// TotalRestored sums restored record counts across collections.
func (r *RecoveryResult) TotalRestored() int {
	total := 0
	for _, n := range r.DataRestored {
		total += n
	}
	return total
}
