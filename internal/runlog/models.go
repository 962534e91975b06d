package runlog

import "time"

// Status represents the outcome of a reconciliation run
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Trigger represents what started a run
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
	TriggerWatch   Trigger = "watch"
)

// Run is one reconciliation of the data bags against the system
type Run struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         Status     `json:"status"`
	TriggeredBy    Trigger    `json:"triggered_by"`
	ChangedFiles   []string   `json:"changed_files,omitempty"`
	ServiceActions []string   `json:"service_actions,omitempty"`
	ErrorMessage   string     `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is still running
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
