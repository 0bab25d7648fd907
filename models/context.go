package models

import (
	"encoding/json"
	"time"
)

/*
	Core data units for the context store. Entries are immutable once
	written; a write to an existing key replaces the whole entry. The
	payload is opaque to the service - it is carried as raw JSON and
	never interpreted.
*/

const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 1
)

type Entry struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	TokenCount int             `json:"token_count"`
	Source     string          `json:"source"`
	Priority   int             `json:"priority"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Clone returns a deep copy so callers can never mutate the store's
// owned entry through a returned snapshot.
func (e Entry) Clone() Entry {
	cp := e
	if e.Payload != nil {
		cp.Payload = make(json.RawMessage, len(e.Payload))
		copy(cp.Payload, e.Payload)
	}
	return cp
}

type SnapshotMetadata struct {
	TotalTokens int `json:"total_tokens"`
	MaxTokens   int `json:"max_tokens"`
	EntryCount  int `json:"entry_count"`
}

type Snapshot struct {
	Entries  map[string]Entry `json:"entries"`
	Metadata SnapshotMetadata `json:"metadata"`
}

// QueryFilter predicates are conjunctive; nil fields are not applied.
type QueryFilter struct {
	Source      *string `json:"source,omitempty"`
	MinPriority *int    `json:"min_priority,omitempty"`
}

// ClampPriority forces a requested priority into [PriorityMin, PriorityMax].
// Zero (unset) maps to the default.
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
