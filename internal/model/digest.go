package model

import "time"

// Digest is an extracted structured summary of a text blob, appended to
// the knowledge base and searchable alongside judgments. See SPEC_FULL.md §4.9.
type Digest struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source,omitempty"`
	Type      string                 `json:"type,omitempty"`
	Content   string                 `json:"content"`
	Patterns  []string               `json:"patterns"`
	Insights  []string               `json:"insights"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
