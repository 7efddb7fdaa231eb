package faults

import (
	"time"
)

// DeadLetterContext aggregates everything an operator needs to triage one
// parked message: identity, routing, and the recorded attempt history.
type DeadLetterContext struct {
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	Queue         string    `json:"queue"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	TotalAttempts int       `json:"total_attempts"`
	FirstFailure  string    `json:"first_failure,omitempty"`
	FirstCategory Category  `json:"first_category,omitempty"`
	LastFailure   string    `json:"last_failure,omitempty"`
	LastCategory  Category  `json:"last_category,omitempty"`
	FaultedAt     time.Time `json:"faulted_at"`
	ConsumerHost  string    `json:"consumer_host,omitempty"`

	History []TraceInfo `json:"history,omitempty"`
}

// ApplyHistory fills the attempt summary from the recorded history. An
// already-set TotalAttempts wins over the history length, since headers may
// carry attempts whose traces were lost.
func (d *DeadLetterContext) ApplyHistory(history []TraceInfo) {
	d.History = history

	if len(history) == 0 {
		return
	}

	if d.TotalAttempts < len(history) {
		d.TotalAttempts = len(history)
	}

	first := history[0]
	last := history[len(history)-1]

	d.FirstFailure = first.Message
	d.FirstCategory = first.Category
	d.LastFailure = last.Message
	d.LastCategory = last.Category
}

// Fingerprint returns the grouping key of the most recent attempt, falling
// back to the first attempt that carries one.
func (d *DeadLetterContext) Fingerprint() string {
	for i := len(d.History) - 1; i >= 0; i-- {
		if d.History[i].Fingerprint != "" {
			return d.History[i].Fingerprint
		}
	}

	return ""
}
