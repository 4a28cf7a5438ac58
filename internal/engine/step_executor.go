// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kusari-oss/runbook/internal/approval"
	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/events"
)

// stepOutcome is the result of one step attempt.
type stepOutcome struct {
	output     map[string]any
	skip       bool
	skipReason string
}

// executeStep dispatches one attempt of a step to its type-specific
// handler. The context carries the step timeout; handlers must respect it.
func (e *Engine) executeStep(ctx context.Context, st *executionState, step models.PlaybookStep) (stepOutcome, error) {
	switch cfg := step.Config.(type) {
	case *models.AgentActionConfig:
		return e.runAgentAction(ctx, st, step, cfg)
	case *models.APICallConfig:
		return e.runAPICall(ctx, cfg)
	case *models.DatabaseQueryConfig:
		return e.runDatabaseQuery(ctx, cfg)
	case *models.FileOperationConfig:
		return e.runFileOperation(ctx, cfg)
	case *models.NotificationConfig:
		return e.runNotification(ctx, cfg)
	case *models.ApprovalConfig:
		return e.runStepApproval(ctx, st, step, cfg)
	case *models.ConditionalBranchConfig:
		return e.runConditionalBranch(st, cfg)
	case *models.ManualStepConfig:
		return e.runManualStep(ctx, st, step, cfg)
	case *models.RollbackStepConfig:
		return e.runRollbackStep(ctx, st, step, cfg)
	default:
		return stepOutcome{}, fmt.Errorf("unsupported step config type %T", step.Config)
	}
}

func (e *Engine) runAgentAction(ctx context.Context, st *executionState, step models.PlaybookStep, cfg *models.AgentActionConfig) (stepOutcome, error) {
	if e.ports.Agent == nil {
		return stepOutcome{}, fmt.Errorf("no agent dispatch port configured")
	}
	ack, err := e.ports.Agent.Send(ctx, AgentRequest{
		AgentID:     cfg.AgentID,
		Capability:  cfg.Capability,
		Action:      cfg.Action,
		Parameters:  cfg.Parameters,
		ExecutionID: st.exec.ID,
		StepID:      step.ID,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("agent dispatch failed: %w", err)
	}
	return stepOutcome{output: map[string]any{
		"agent_id":    ack.AgentID,
		"accepted_at": ack.AcceptedAt,
	}}, nil
}

func (e *Engine) runAPICall(ctx context.Context, cfg *models.APICallConfig) (stepOutcome, error) {
	if e.ports.API == nil {
		return stepOutcome{}, fmt.Errorf("no API call port configured")
	}
	resp, err := e.ports.API.Do(ctx, APIRequest{
		Method:  cfg.Method,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Body:    cfg.Body,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("API call failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return stepOutcome{}, fmt.Errorf("API call returned status %d", resp.StatusCode)
	}
	return stepOutcome{output: map[string]any{
		"status_code": resp.StatusCode,
		"body":        resp.Body,
	}}, nil
}

func (e *Engine) runDatabaseQuery(ctx context.Context, cfg *models.DatabaseQueryConfig) (stepOutcome, error) {
	if e.ports.Query == nil {
		return stepOutcome{}, fmt.Errorf("no query port configured")
	}
	result, err := e.ports.Query.Run(ctx, QueryRequest{
		Datasource: cfg.Datasource,
		Query:      cfg.Query,
		Parameters: cfg.Parameters,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("query failed: %w", err)
	}
	return stepOutcome{output: map[string]any{
		"rows":      result.Rows,
		"row_count": result.RowCount,
	}}, nil
}

func (e *Engine) runFileOperation(ctx context.Context, cfg *models.FileOperationConfig) (stepOutcome, error) {
	if e.ports.Files == nil {
		return stepOutcome{}, fmt.Errorf("no file operation port configured")
	}
	result, err := e.ports.Files.Apply(ctx, FileRequest{
		Operation: cfg.Operation,
		Path:      cfg.Path,
		Target:    cfg.Target,
		Content:   cfg.Content,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("file operation failed: %w", err)
	}
	return stepOutcome{output: map[string]any{
		"operation": cfg.Operation,
		"path":      result.Path,
	}}, nil
}

func (e *Engine) runNotification(ctx context.Context, cfg *models.NotificationConfig) (stepOutcome, error) {
	if e.ports.Notifier == nil {
		return stepOutcome{}, fmt.Errorf("no notification port configured")
	}
	receipt, err := e.ports.Notifier.Send(ctx, Notification{
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
		Subject:    cfg.Subject,
		Message:    cfg.Message,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("notification failed: %w", err)
	}
	return stepOutcome{output: map[string]any{
		"sent_at": receipt.SentAt,
	}}, nil
}

// runStepApproval blocks the step on a human decision delivered through
// the task queue, bounded by the step context's deadline.
func (e *Engine) runStepApproval(ctx context.Context, st *executionState, step models.PlaybookStep, cfg *models.ApprovalConfig) (stepOutcome, error) {
	task, ch := e.tasks.Create(approval.Task{
		Kind:         approval.TaskKindApproval,
		ExecutionID:  st.exec.ID,
		PlaybookID:   st.pb.ID,
		StepID:       step.ID,
		Instructions: cfg.Message,
		Approvers:    cfg.Approvers,
	})

	e.emit(ctx, events.Event{
		Type:        events.StepApprovalRequired,
		PlaybookID:  st.pb.ID,
		ExecutionID: st.exec.ID,
		StepID:      step.ID,
		Payload:     map[string]any{"task_id": task.ID, "approvers": cfg.Approvers},
	})

	select {
	case res := <-ch:
		if !res.Approved {
			return stepOutcome{}, fmt.Errorf("step approval rejected by %s: %s", res.Resolver, res.Reason)
		}
		return stepOutcome{output: map[string]any{
			"approver":    res.Resolver,
			"approved_at": res.CompletedAt,
		}}, nil
	case <-ctx.Done():
		e.tasks.Cancel(task.ID)
		return stepOutcome{}, fmt.Errorf("step approval timed out: %w", ctx.Err())
	}
}

// runManualStep creates an operator task and blocks until it is marked
// complete or the step times out.
func (e *Engine) runManualStep(ctx context.Context, st *executionState, step models.PlaybookStep, cfg *models.ManualStepConfig) (stepOutcome, error) {
	task, ch := e.tasks.Create(approval.Task{
		Kind:         approval.TaskKindManual,
		ExecutionID:  st.exec.ID,
		PlaybookID:   st.pb.ID,
		StepID:       step.ID,
		Instructions: cfg.Instructions,
		Assignee:     cfg.Assignee,
	})

	e.emit(ctx, events.Event{
		Type:        events.StepManualRequired,
		PlaybookID:  st.pb.ID,
		ExecutionID: st.exec.ID,
		StepID:      step.ID,
		Payload:     map[string]any{"task_id": task.ID, "assignee": cfg.Assignee, "instructions": cfg.Instructions},
	})

	select {
	case res := <-ch:
		output := res.Output
		if output == nil {
			output = map[string]any{}
		}
		output["completed_by"] = res.Resolver
		return stepOutcome{output: output}, nil
	case <-ctx.Done():
		e.tasks.Cancel(task.ID)
		return stepOutcome{}, fmt.Errorf("manual step timed out: %w", ctx.Err())
	}
}

// runConditionalBranch evaluates the CEL expression over the execution
// variables. False is not a failure: the step is skipped, which still
// counts as terminal for dependents so the untaken branch cannot deadlock
// the graph.
func (e *Engine) runConditionalBranch(st *executionState, cfg *models.ConditionalBranchConfig) (stepOutcome, error) {
	ok, err := e.cond.Eval(cfg.Expression, st.varsSnapshot(), nil)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("condition evaluation failed: %w", err)
	}
	if !ok {
		return stepOutcome{
			skip:       true,
			skipReason: fmt.Sprintf("condition %q evaluated false", cfg.Expression),
		}, nil
	}
	return stepOutcome{output: map[string]any{"condition": cfg.Expression, "result": true}}, nil
}

// runRollbackStep dispatches a compensating action through the agent port.
func (e *Engine) runRollbackStep(ctx context.Context, st *executionState, step models.PlaybookStep, cfg *models.RollbackStepConfig) (stepOutcome, error) {
	if e.ports.Agent == nil {
		return stepOutcome{}, fmt.Errorf("no agent dispatch port configured")
	}
	params := make(map[string]any, len(cfg.Parameters)+1)
	for k, v := range cfg.Parameters {
		params[k] = v
	}
	if cfg.TargetStepID != "" {
		params["target_step_id"] = cfg.TargetStepID
	}
	ack, err := e.ports.Agent.Send(ctx, AgentRequest{
		AgentID:     cfg.AgentID,
		Capability:  cfg.Capability,
		Action:      cfg.Action,
		Parameters:  params,
		ExecutionID: st.exec.ID,
		StepID:      step.ID,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("rollback dispatch failed: %w", err)
	}
	return stepOutcome{output: map[string]any{
		"agent_id":    ack.AgentID,
		"accepted_at": ack.AcceptedAt,
	}}, nil
}

// stepTimeout returns the effective timeout for a step.
func (e *Engine) stepTimeout(step models.PlaybookStep) time.Duration {
	if step.TimeoutSeconds > 0 {
		return step.Timeout()
	}
	return e.defaultStepTimeout
}
