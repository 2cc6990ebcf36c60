package model

import "time"

// Outcome is the caller's post-hoc assessment of a judgment's correctness.
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomePartial   Outcome = "partial"
)

// Feedback is always linked to an existing Judgment. Append-only.
type Feedback struct {
	ID          string    `json:"id"`
	JudgmentID  string    `json:"judgmentId"`
	Outcome     Outcome   `json:"outcome"`
	Reason      *string   `json:"reason,omitempty"`
	ActualScore *float64  `json:"actualScore,omitempty"`
	UserID      *string   `json:"userId,omitempty"`
	SessionID   *string   `json:"sessionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
