// SPDX-License-Identifier: Apache-2.0

// Package approval implements the human-in-the-loop gates: the
// execution-level approval queue that holds an execution before it starts,
// and the step-level task queue for approval_required and manual_step
// steps. Decisions arrive as external asynchronous events; the scheduler
// waits on a channel, never on a fixed delay.
package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRoleNotAllowed is returned when an approver's roles do not overlap the
// playbook's approval roles.
var ErrRoleNotAllowed = errors.New("approver role not allowed for this playbook")

// Request asks the gate to hold an execution until a decision arrives.
type Request struct {
	ExecutionID  string        `json:"execution_id"`
	PlaybookID   string        `json:"playbook_id"`
	PlaybookName string        `json:"playbook_name,omitempty"`
	TriggeredBy  string        `json:"triggered_by,omitempty"`
	Roles        []string      `json:"roles,omitempty"`
	Timeout      time.Duration `json:"-"`
	RequestedAt  time.Time     `json:"requested_at"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
}

// IsExpired reports whether the request has passed its expiry.
func (r *Request) IsExpired() bool {
	return !r.ExpiresAt.IsZero() && time.Now().After(r.ExpiresAt)
}

// Decision is the outcome delivered to the waiting execution.
type Decision struct {
	Approved  bool      `json:"approved"`
	Expired   bool      `json:"expired"`
	Approver  string    `json:"approver,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type pendingEntry struct {
	req   Request
	ch    chan Decision
	timer *time.Timer
}

// Gate holds executions pending approval, keyed by execution id. Approve
// and Reject are idempotent: once a request is resolved (or was never
// submitted) they return false rather than an error.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	logger  *slog.Logger
}

// NewGate creates an approval gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*pendingEntry),
		logger:  logger,
	}
}

// Submit registers a pending approval and returns the channel the decision
// will arrive on. If the request carries a timeout, an expiry decision is
// delivered automatically when it elapses.
func (g *Gate) Submit(req Request) <-chan Decision {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	if req.Timeout > 0 && req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.RequestedAt.Add(req.Timeout)
	}

	entry := &pendingEntry{
		req: req,
		ch:  make(chan Decision, 1),
	}

	g.mu.Lock()
	g.pending[req.ExecutionID] = entry
	if req.Timeout > 0 {
		id := req.ExecutionID
		entry.timer = time.AfterFunc(req.Timeout, func() {
			g.resolve(id, Decision{Expired: true, DecidedAt: time.Now()})
		})
	}
	g.mu.Unlock()

	g.logger.Info("execution pending approval",
		"execution_id", req.ExecutionID,
		"playbook_id", req.PlaybookID,
		"expires_at", req.ExpiresAt,
	)
	return entry.ch
}

// Approve resolves a pending request in favour of execution. It returns
// false if no such request is pending (including already-resolved ones),
// and ErrRoleNotAllowed if the approver's roles do not match.
func (g *Gate) Approve(executionID, approver string, approverRoles []string) (bool, error) {
	return g.decide(executionID, approverRoles, Decision{
		Approved:  true,
		Approver:  approver,
		DecidedAt: time.Now(),
	})
}

// Reject resolves a pending request against execution. Same idempotence and
// role rules as Approve.
func (g *Gate) Reject(executionID, approver, reason string, approverRoles []string) (bool, error) {
	return g.decide(executionID, approverRoles, Decision{
		Approved:  false,
		Approver:  approver,
		Reason:    reason,
		DecidedAt: time.Now(),
	})
}

func (g *Gate) decide(executionID string, approverRoles []string, d Decision) (bool, error) {
	g.mu.Lock()
	entry, ok := g.pending[executionID]
	if !ok {
		g.mu.Unlock()
		return false, nil
	}
	if !roleAllowed(entry.req.Roles, approverRoles) {
		g.mu.Unlock()
		return false, ErrRoleNotAllowed
	}
	g.mu.Unlock()

	return g.resolve(executionID, d), nil
}

// Withdraw removes a pending request without delivering a decision, for
// executions cancelled while waiting. Returns false if nothing was pending.
func (g *Gate) Withdraw(executionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[executionID]
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(g.pending, executionID)
	return true
}

// Pending lists requests awaiting a decision. A non-empty role restricts
// the list to playbooks that role may approve.
func (g *Gate) Pending(role string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Request
	for _, entry := range g.pending {
		if role != "" && !roleAllowed(entry.req.Roles, []string{role}) {
			continue
		}
		out = append(out, entry.req)
	}
	return out
}

func (g *Gate) resolve(executionID string, d Decision) bool {
	g.mu.Lock()
	entry, ok := g.pending[executionID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(g.pending, executionID)
	g.mu.Unlock()

	entry.ch <- d
	return true
}

// roleAllowed reports whether any of the approver's roles is in the
// required set. An empty required set accepts any approver.
func roleAllowed(required, got []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		for _, g := range got {
			if r == g {
				return true
			}
		}
	}
	return false
}
