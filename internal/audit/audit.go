// Package audit provides the append-only event sink consumed by the sync,
// cache and recovery engines for operations of security or compliance
// interest. Logging is fire-and-forget: a sink never blocks the caller and
// never panics.
package audit

import "time"

// Severity grades an audit event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one audit record.
type Event struct {
	Kind     string         `json:"kind"`
	Payload  map[string]any `json:"payload,omitempty"`
	OwnerID  string         `json:"ownerId,omitempty"`
	Severity Severity       `json:"severity"`
	At       time.Time      `json:"at"`
}

// Sink accepts audit events.
type Sink interface {
	Log(kind string, payload map[string]any, ownerID string, severity Severity)
}

// Nop is a Sink that discards everything. Intended for tests.
type Nop struct{}

func (Nop) Log(string, map[string]any, string, Severity) {}
