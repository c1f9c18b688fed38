package model

import "time"

// Run status constants.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusKilled    = "killed"
)

// Execution mode constants.
const (
	ModeOnce       = "once"
	ModeContinuous = "continuous"
)

// Session lifecycle states as persisted to the journal.
const (
	SessionLive       = "live"
	SessionTerminated = "terminated"
)

// terminalStatuses is the set of statuses a run cannot leave.
var terminalStatuses = map[string]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusStopped:   true,
	StatusKilled:    true,
}

// Terminal reports whether the given run status is final.
func Terminal(status string) bool {
	return terminalStatuses[status]
}

// Session is the journal record for one supervised engine process.
type Session struct {
	ID         string     `json:"id"`
	Key        int        `json:"key"`
	File       string     `json:"file"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is the journal record for one execution of a session's workflow.
// A run-once execution ends when the engine reports success or failure;
// a continuous execution ends when the caller stops or terminates it.
type Run struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
}
