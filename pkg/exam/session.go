package exam

import (
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/deskexam/pkg/artifacts"
)

// Outcome is how a session ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Session is the run record of one examination. It is finalized by
// persistence or left partially filled when the session is aborted.
type Session struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	Domain    string    `json:"domain"`
	ExampleID string    `json:"example_id"`
	VMAddress string    `json:"vm_address,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	InitialTimestamp  string `json:"initial_timestamp,omitempty"`
	FinalTimestamp    string `json:"final_timestamp,omitempty"`
	InitialScreenshot string `json:"initial_screenshot,omitempty"`
	FinalScreenshot   string `json:"final_screenshot,omitempty"`
	InitialA11yTree   string `json:"initial_a11y_tree,omitempty"`
	FinalA11yTree     string `json:"final_a11y_tree,omitempty"`

	// Score is nil unless evaluation ran
	Score   *float64 `json:"score,omitempty"`
	State   State    `json:"state"`
	Outcome Outcome  `json:"outcome,omitempty"`
}

func newSession(dir, domain, exampleID string, started time.Time) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Dir:       dir,
		Domain:    domain,
		ExampleID: exampleID,
		StartedAt: started,
		State:     StateCreated,
	}
}

// ExecutionEntry builds the execution log line for a completed session
func (s *Session) ExecutionEntry() *artifacts.ExecutionEntry {
	entry := &artifacts.ExecutionEntry{
		Type:              "manual_execution",
		SessionID:         s.ID,
		InitialTimestamp:  s.InitialTimestamp,
		FinalTimestamp:    s.FinalTimestamp,
		InitialScreenshot: s.InitialScreenshot,
		FinalScreenshot:   s.FinalScreenshot,
	}
	if s.Score != nil {
		entry.Result = *s.Score
	}
	return entry
}
