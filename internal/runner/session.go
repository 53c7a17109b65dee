package runner

import (
	"time"

	"github.com/mohammad-safakhou/stepwise/internal/policy"
)

// Session statuses. A session moves pending -> running -> one terminal
// status and never back.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusMaxSteps = "max_steps_exceeded"
	StatusFatal    = "fatal"
)

// Session is one bounded run of the step loop for a single query. The
// strategy mode is fixed at session start and never changes mid-session.
type Session struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	Status    string        `json:"status"`
	Strategy  string        `json:"strategy,omitempty"`
	Answer    string        `json:"answer,omitempty"`
	Failure   string        `json:"failure,omitempty"`
	Steps     int           `json:"steps"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Report    policy.Report `json:"report"`
}

// Terminal reports whether the session has reached a final status.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusDone, StatusMaxSteps, StatusFatal:
		return true
	}
	return false
}
