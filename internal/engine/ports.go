// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"
)

// The engine delegates all step side effects to ports. Production wires
// real transports behind them; the engine itself knows nothing about agent
// protocols, HTTP semantics, or database drivers.

// AgentRequest asks an agent to perform an action. The target is either an
// explicit agent id or a capability; capability dispatch resolves to the
// first active agent advertising it.
type AgentRequest struct {
	AgentID     string
	Capability  string
	Action      string
	Parameters  map[string]any
	ExecutionID string
	StepID      string
}

// AgentAck acknowledges that an agent accepted an action request. Delivery
// is at-most-once and fire-and-forget; the engine does not block on
// agent-side completion beyond the step's own timeout.
type AgentAck struct {
	AgentID    string
	AcceptedAt time.Time
}

// AgentDispatcher is the agent discovery/dispatch port.
type AgentDispatcher interface {
	Send(ctx context.Context, req AgentRequest) (AgentAck, error)
}

// APIRequest is a synchronous HTTP-style call through the API port.
type APIRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    map[string]any
}

type APIResponse struct {
	StatusCode int
	Body       map[string]any
}

// APICaller is the external HTTP call port.
type APICaller interface {
	Do(ctx context.Context, req APIRequest) (APIResponse, error)
}

// QueryRequest runs a query against a named datasource.
type QueryRequest struct {
	Datasource string
	Query      string
	Parameters map[string]any
}

type QueryResult struct {
	Rows     []map[string]any
	RowCount int
}

// QueryRunner is the database query port.
type QueryRunner interface {
	Run(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// FileRequest describes a file operation.
type FileRequest struct {
	Operation string // copy, move, delete, write
	Path      string
	Target    string
	Content   string
}

type FileResult struct {
	Path string
}

// FileOperator is the file operation port.
type FileOperator interface {
	Apply(ctx context.Context, req FileRequest) (FileResult, error)
}

// Notification is delivered through the notification port.
type Notification struct {
	Channel    string
	Recipients []string
	Subject    string
	Message    string
}

// NotificationReceipt reports when the notification was handed to the
// transport.
type NotificationReceipt struct {
	SentAt time.Time
}

// Notifier is the notification delivery port.
type Notifier interface {
	Send(ctx context.Context, n Notification) (NotificationReceipt, error)
}

// Ports bundles the external collaborators handed to the engine. Unwired
// ports may be nil; a step that needs a nil port fails with a clear error.
type Ports struct {
	Agent    AgentDispatcher
	API      APICaller
	Query    QueryRunner
	Files    FileOperator
	Notifier Notifier
}
