// Package model defines the core data types of the evaluation and audit
// server: items submitted for judgment, the judgments themselves, the
// hash-linked blocks that seal them, feedback, learning state, triggers,
// and digests.
package model

import "fmt"

// MaxContentBytes bounds the size of an Item's content to keep scoring and
// hashing costs predictable.
const MaxContentBytes = 256 * 1024

// Item is the input to the Judge: a short structured document to be scored.
type Item struct {
	Type     string             `json:"type"`
	Content  string             `json:"content"`
	Sources  []string           `json:"sources,omitempty"`
	Verified *bool              `json:"verified,omitempty"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

// Validate checks the structural requirements the Judge's contract relies
// on (InvalidInput per SPEC_FULL.md §7): a non-empty type and non-empty
// content.
func (it Item) Validate() error {
	if it.Type == "" {
		return fmt.Errorf("item: type is required")
	}
	if it.Content == "" {
		return fmt.Errorf("item: content is required")
	}
	if len(it.Content) > MaxContentBytes {
		return fmt.Errorf("item: content exceeds %d bytes", MaxContentBytes)
	}
	return nil
}

// Context carries optional scoring inputs threaded through the pipeline:
// a learning-state snapshot and a prior composite-score hint.
type Context struct {
	LearningState *LearningState `json:"learningState,omitempty"`
	KScore        *float64       `json:"kScore,omitempty"`
}
