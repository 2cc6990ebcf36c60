package model

// TriggerType selects how a Trigger's condition is evaluated.
type TriggerType string

const (
	TriggerEvent     TriggerType = "event"
	TriggerPeriodic  TriggerType = "periodic"
	TriggerPattern   TriggerType = "pattern"
	TriggerThreshold TriggerType = "threshold"
	TriggerComposite TriggerType = "composite"
)

// TriggerAction selects the action a Trigger invokes once its condition
// matches.
type TriggerAction string

const (
	ActionJudge  TriggerAction = "judge"
	ActionLog    TriggerAction = "log"
	ActionAlert  TriggerAction = "alert"
	ActionBlock  TriggerAction = "block"
	ActionReview TriggerAction = "review"
	ActionNotify TriggerAction = "notify"
)

// Trigger is a persistent rule binding an event predicate to an action.
// See SPEC_FULL.md §3 and §4.7.
type Trigger struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Type          TriggerType            `json:"type"`
	Topic         string                 `json:"topic,omitempty"` // event topic this trigger watches, for Type == event
	Condition     map[string]interface{} `json:"condition"`
	Action        TriggerAction          `json:"action"`
	ActionConfig  map[string]interface{} `json:"actionConfig,omitempty"`
	Enabled       bool                   `json:"enabled"`
	Priority      int                    `json:"priority"`
}
