package memory

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/stepwise/internal/executor"
)

// ErrSessionNotFound is returned by Read for an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// StepRecord is the append-only unit of session memory: everything one
// step produced, including every lifeline attempt's trace.
type StepRecord struct {
	SessionID string                    `json:"session_id"`
	StepIndex int                       `json:"step_index"`
	Query     string                    `json:"query"`
	Strategy  string                    `json:"strategy"`
	Outcome   string                    `json:"outcome"`
	Failure   string                    `json:"failure,omitempty"`
	Payload   string                    `json:"payload,omitempty"`
	Attempts  int                       `json:"attempts"`
	Calls     []executor.ToolCallRecord `json:"calls,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Store keeps the ordered step sequence per session. Append is idempotent
// per (session, step index): replays of an already-recorded step are
// silently ignored.
type Store interface {
	Append(ctx context.Context, rec StepRecord) error
	Read(ctx context.Context, sessionID string) ([]StepRecord, error)
}

// PartitionKey derives the date partition a session's records live under.
func PartitionKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
