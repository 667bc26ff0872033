package entity

import "time"

// ProcessingRun is the history record of one finished job.
type ProcessingRun struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	JobID      string        `json:"job_id"`
	State      SessionState  `json:"state"`
	Error      *SessionError `json:"error,omitempty"`
	Frames     int           `json:"frames"`
	Stats      Stats         `json:"stats"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}
