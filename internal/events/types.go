// SPDX-License-Identifier: Apache-2.0

// Package events carries the engine's lifecycle event stream to external
// observers: UI, audit logging, and metrics collaborators all subscribe to
// the same bus.
package events

import (
	"time"
)

// Type names an engine lifecycle event.
type Type string

// Playbook registry events.
const (
	PlaybookCreated Type = "playbook:created"
	PlaybookUpdated Type = "playbook:updated"
	PlaybookDeleted Type = "playbook:deleted"
)

// Execution lifecycle events.
const (
	ExecutionPendingApproval Type = "execution:pending_approval"
	ExecutionApproved        Type = "execution:approved"
	ExecutionRejected        Type = "execution:rejected"
	ExecutionStarted         Type = "execution:started"
	ExecutionProgress        Type = "execution:progress"
	ExecutionCompleted       Type = "execution:completed"
	ExecutionFailed          Type = "execution:failed"
	ExecutionCancelled       Type = "execution:cancelled"
	ExecutionRolledBack      Type = "execution:rolled_back"
)

// Step-level events.
const (
	StepStarted          Type = "step:started"
	StepCompleted        Type = "step:completed"
	StepFailed           Type = "step:failed"
	StepSkipped          Type = "step:skipped"
	StepApprovalRequired Type = "step:approval_required"
	StepManualRequired   Type = "step:manual_required"
)

// Event is one entry in the engine's event stream.
type Event struct {
	Type        Type           `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	PlaybookID  string         `json:"playbook_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Filter selects which events a subscriber receives. Zero-value fields
// match everything.
type Filter struct {
	Types       []Type
	PlaybookID  string
	ExecutionID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.PlaybookID != "" && e.PlaybookID != f.PlaybookID {
		return false
	}
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
	return true
}
