// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned when the engine is shutting down.
var ErrClosed = errors.New("engine: closed")

// ErrExecutionNotFound is returned when an execution id is unknown.
var ErrExecutionNotFound = errors.New("engine: execution not found")

// ErrPlaybookInactive is returned when execution of an inactive playbook is
// requested.
var ErrPlaybookInactive = errors.New("engine: playbook is not active")

// SchedulingError reports that the ready frontier was empty while steps
// were still pending. Registry-time graph validation should make this
// impossible; a run-time occurrence is a defensive fatal error, not an
// expected outcome.
type SchedulingError struct {
	ExecutionID string
	Pending     []string
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("engine: execution %s has no runnable steps but %s still pending",
		e.ExecutionID, strings.Join(e.Pending, ", "))
}
