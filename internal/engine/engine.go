// SPDX-License-Identifier: Apache-2.0

// Package engine runs playbook executions: safety checks, approval gates,
// per-playbook admission, wave-parallel step scheduling with retries, and
// rollback. External effects (agents, HTTP, queries, files, notifications)
// go through the Ports interfaces so the engine itself stays testable.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kusari-oss/runbook/internal/approval"
	"github.com/kusari-oss/runbook/internal/condition"
	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/events"
	"github.com/kusari-oss/runbook/internal/metrics"
	"github.com/kusari-oss/runbook/internal/registry"
	"github.com/kusari-oss/runbook/internal/safety"
	"github.com/kusari-oss/runbook/internal/store"
)

// Engine coordinates playbook executions end to end.
type Engine struct {
	registry       *registry.Registry
	bus            *events.Bus
	safety         *safety.Evaluator
	safetyProvider safety.ContextProvider
	gate           *approval.Gate
	tasks          *approval.TaskQueue
	metrics        *metrics.Tracker
	store          *store.Store
	cond           *condition.Evaluator
	ports          Ports

	logger *slog.Logger
	tracer trace.Tracer

	maxParallel            int
	defaultStepTimeout     time.Duration
	defaultApprovalTimeout time.Duration

	mu         sync.Mutex
	executions map[string]*executionState
	closed     bool

	admission *admission
	wg        sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer enables tracing of executions and steps.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithMaxParallel bounds concurrent steps within one execution.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithDefaultStepTimeout applies to steps that declare no timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultStepTimeout = d
		}
	}
}

// WithDefaultApprovalTimeout applies to approval gates whose trigger
// declares no timeout.
func WithDefaultApprovalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultApprovalTimeout = d
		}
	}
}

// WithStore persists finished executions to a history store.
func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSafetyProvider supplies the environment context the safety
// evaluator consults. Without one, only custom and time-window checks
// can pass.
func WithSafetyProvider(p safety.ContextProvider) Option {
	return func(e *Engine) { e.safetyProvider = p }
}

// WithPorts wires the side-effect executors for steps.
func WithPorts(p Ports) Option {
	return func(e *Engine) { e.ports = p }
}

// New builds an Engine around a playbook registry and event bus.
func New(reg *registry.Registry, bus *events.Bus, cond *condition.Evaluator, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:               reg,
		bus:                    bus,
		cond:                   cond,
		metrics:                metrics.NewTracker(),
		logger:                 slog.Default(),
		maxParallel:            10,
		defaultStepTimeout:     5 * time.Minute,
		defaultApprovalTimeout: time.Hour,
		executions:             make(map[string]*executionState),
		admission:              newAdmission(),
		baseCtx:                ctx,
		baseCancel:             cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = approval.NewGate(e.logger)
	e.tasks = approval.NewTaskQueue(e.logger)
	e.safety = safety.NewEvaluator(e.safetyProvider, cond, e.logger)
	return e
}

// Execute starts a new execution of the given playbook. It returns the
// execution in its initial state (pending when approval is required,
// otherwise already admitted to the run pipeline) and drives it to a
// terminal state in the background.
func (e *Engine) Execute(ctx context.Context, playbookID string, vars map[string]any, triggeredBy string) (*models.Execution, error) {
	return e.execute(ctx, playbookID, vars, triggeredBy, models.TriggerTypeManual, false, 0)
}

func (e *Engine) execute(ctx context.Context, playbookID string, vars map[string]any, triggeredBy string, triggerType models.TriggerType, forceApproval bool, approvalTimeout time.Duration) (*models.Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	pb, err := e.registry.Get(playbookID)
	if err != nil {
		return nil, err
	}
	if !pb.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlaybookInactive, playbookID)
	}

	exec := &models.Execution{
		ID:           uuid.New().String(),
		PlaybookID:   pb.ID,
		PlaybookName: pb.Name,
		Status:       models.ExecutionStatusPending,
		TriggeredBy:  triggeredBy,
		TriggerType:  triggerType,
		Variables:    vars,
		CreatedAt:    time.Now(),
	}

	execCtx, cancel := context.WithCancel(e.baseCtx)
	st := newExecutionState(pb, exec, cancel)
	st.approvalTimeout = approvalTimeout
	st.initStepResults()

	e.mu.Lock()
	e.executions[exec.ID] = st
	e.mu.Unlock()

	needsApproval := pb.RequireApproval || forceApproval

	e.wg.Add(1)
	go e.runExecution(execCtx, st, needsApproval)

	return st.snapshot(), nil
}

// HandleTrigger evaluates the event against every active playbook's
// triggers and starts an execution per match. Only matches with
// auto_execute and no approval requirement run immediately; every other
// match enters the approval gate with the matched trigger's timeout.
func (e *Engine) HandleTrigger(ctx context.Context, event models.TriggerEvent) ([]*models.Execution, error) {
	var started []*models.Execution
	active := true
	for _, pb := range e.registry.List(models.PlaybookFilter{Active: &active}) {
		for _, trig := range pb.Triggers {
			if trig.Type != event.Type {
				continue
			}
			if trig.Condition != "" {
				ok, err := e.cond.Eval(trig.Condition, nil, event.Context)
				if err != nil {
					e.logger.Error("trigger condition failed",
						"playbook_id", pb.ID, "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			vars := map[string]any{}
			for k, v := range event.Context {
				vars[k] = v
			}
			// A match that may not auto-execute still enters the gate: a
			// human decides, the trigger is never silently dropped.
			needsApproval := trig.RequireApproval || !trig.AutoExecute
			exec, err := e.execute(ctx, pb.ID, vars, event.Source, event.Type, needsApproval, trig.ApprovalTimeout())
			if err != nil {
				e.logger.Error("trigger execution failed",
					"playbook_id", pb.ID, "error", err)
				continue
			}
			started = append(started, exec)
			break
		}
	}
	return started, nil
}

// runExecution drives one execution through safety checks, the approval
// gate, admission, scheduling, and finalization.
func (e *Engine) runExecution(ctx context.Context, st *executionState, needsApproval bool) {
	defer e.wg.Done()

	// Safety checks run before anything else; a blocked check fails the
	// execution without running a single step.
	results, blocked := e.safety.Evaluate(ctx, st.pb.ID, st.pb.SafetyChecks, st.varsSnapshot())
	st.mu.Lock()
	st.exec.SafetyCheckResults = results
	st.mu.Unlock()
	if blocked {
		e.finalize(ctx, st, models.ExecutionStatusFailed, "blocked by safety check", "")
		return
	}

	if needsApproval {
		if !e.awaitApproval(ctx, st) {
			return
		}
	}

	queued, err := e.admission.acquire(ctx, st.pb.ID, st.pb.MaxConcurrentExecutions)
	if err != nil {
		e.finalize(ctx, st, models.ExecutionStatusCancelled, "", "cancelled while queued")
		return
	}
	defer e.admission.release(st.pb.ID)
	if queued {
		e.logger.Info("execution admitted from queue",
			"execution_id", st.exec.ID, "playbook_id", st.pb.ID)
	}

	now := time.Now()
	st.mu.Lock()
	st.exec.Status = models.ExecutionStatusRunning
	st.exec.StartedAt = &now
	st.mu.Unlock()
	e.emit(ctx, events.Event{
		Type:        events.ExecutionStarted,
		PlaybookID:  st.pb.ID,
		ExecutionID: st.exec.ID,
	})

	status, errMsg, needRollback := e.runWaves(ctx, st)
	if needRollback {
		e.runRollback(ctx, st)
	}

	cancelReason := ""
	if status == models.ExecutionStatusCancelled {
		st.mu.Lock()
		if st.exec.CancelReason == "" {
			cancelReason = "cancelled"
		}
		st.mu.Unlock()
	}
	e.finalize(ctx, st, status, errMsg, cancelReason)
}

// awaitApproval submits the execution to the approval gate and blocks on
// the decision. It reports whether the execution may proceed; on
// rejection or expiry it finalizes the execution itself.
func (e *Engine) awaitApproval(ctx context.Context, st *executionState) bool {
	timeout := e.defaultApprovalTimeout
	if st.approvalTimeout > 0 {
		timeout = st.approvalTimeout
	}

	now := time.Now()
	ch := e.gate.Submit(approval.Request{
		ExecutionID:  st.exec.ID,
		PlaybookID:   st.pb.ID,
		PlaybookName: st.pb.Name,
		TriggeredBy:  st.exec.TriggeredBy,
		Roles:        st.pb.ApprovalRoles,
		Timeout:      timeout,
		RequestedAt:  now,
		ExpiresAt:    now.Add(timeout),
	})
	e.emit(ctx, events.Event{
		Type:        events.ExecutionPendingApproval,
		PlaybookID:  st.pb.ID,
		ExecutionID: st.exec.ID,
		Payload:     map[string]any{"expires_at": now.Add(timeout)},
	})

	select {
	case d := <-ch:
		switch {
		case d.Expired:
			e.finalize(ctx, st, models.ExecutionStatusCancelled, "", "expired")
			return false
		case !d.Approved:
			st.mu.Lock()
			st.exec.Approver = d.Approver
			st.mu.Unlock()
			e.emit(ctx, events.Event{
				Type:        events.ExecutionRejected,
				PlaybookID:  st.pb.ID,
				ExecutionID: st.exec.ID,
				Payload:     map[string]any{"approver": d.Approver, "reason": d.Reason},
			})
			e.finalize(ctx, st, models.ExecutionStatusCancelled, "", "rejected")
			return false
		default:
			st.mu.Lock()
			st.exec.Status = models.ExecutionStatusApproved
			st.exec.Approver = d.Approver
			st.mu.Unlock()
			e.emit(ctx, events.Event{
				Type:        events.ExecutionApproved,
				PlaybookID:  st.pb.ID,
				ExecutionID: st.exec.ID,
				Payload:     map[string]any{"approver": d.Approver},
			})
			return true
		}
	case <-ctx.Done():
		e.gate.Withdraw(st.exec.ID)
		reason := "cancelled"
		st.mu.Lock()
		if st.exec.CancelReason != "" {
			reason = st.exec.CancelReason
		}
		st.mu.Unlock()
		e.finalize(ctx, st, models.ExecutionStatusCancelled, "", reason)
		return false
	}
}

// finalize records the terminal state, feeds metrics and history, emits
// the terminal event, and releases waiters on the execution's done channel.
func (e *Engine) finalize(ctx context.Context, st *executionState, status models.ExecutionStatus, errMsg, cancelReason string) {
	st.finish(status, errMsg, cancelReason)
	snap := st.snapshot()

	e.metrics.Record(snap)
	if status == models.ExecutionStatusCompleted || status == models.ExecutionStatusFailed || status == models.ExecutionStatusRolledBack {
		e.registry.RecordOutcome(snap.PlaybookID, status == models.ExecutionStatusCompleted, snap.Duration())
	}
	if e.store != nil {
		if err := e.store.SaveExecution(snap); err != nil {
			e.logger.Error("saving execution history failed",
				"execution_id", snap.ID, "error", err)
		}
	}

	var eventType events.Type
	switch status {
	case models.ExecutionStatusCompleted:
		eventType = events.ExecutionCompleted
	case models.ExecutionStatusFailed:
		eventType = events.ExecutionFailed
	case models.ExecutionStatusCancelled:
		eventType = events.ExecutionCancelled
	case models.ExecutionStatusRolledBack:
		eventType = events.ExecutionRolledBack
	default:
		eventType = events.ExecutionCompleted
	}
	payload := map[string]any{"status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if cancelReason != "" {
		payload["reason"] = cancelReason
	}
	e.emit(ctx, events.Event{
		Type:        eventType,
		PlaybookID:  snap.PlaybookID,
		ExecutionID: snap.ID,
		Payload:     payload,
	})

	e.logger.Info("execution finished",
		"execution_id", snap.ID,
		"playbook_id", snap.PlaybookID,
		"status", string(status),
		"duration", snap.Duration(),
	)

	close(st.done)
}

// Approve resolves a pending approval gate. The boolean reports whether a
// pending request was actually resolved.
func (e *Engine) Approve(executionID, approver string, roles []string) (bool, error) {
	return e.gate.Approve(executionID, approver, roles)
}

// Reject resolves a pending approval gate negatively.
func (e *Engine) Reject(executionID, approver, reason string, roles []string) (bool, error) {
	return e.gate.Reject(executionID, approver, reason, roles)
}

// PendingApprovals lists gate requests the given role may act on.
func (e *Engine) PendingApprovals(role string) []approval.Request {
	return e.gate.Pending(role)
}

// ResolveStepApproval answers an in-flight approval_required step.
func (e *Engine) ResolveStepApproval(taskID, approver string, approved bool, reason string) bool {
	return e.tasks.ResolveApproval(taskID, approver, approved, reason)
}

// CompleteManualTask marks an in-flight manual step as done.
func (e *Engine) CompleteManualTask(taskID, operator string, output map[string]any) bool {
	return e.tasks.CompleteManual(taskID, operator, output)
}

// ListTasks lists open step-level approval and manual tasks.
func (e *Engine) ListTasks(filter approval.TaskFilter) []approval.Task {
	return e.tasks.List(filter)
}

// Cancel stops a non-terminal execution. Steps already completed stay
// completed; in-flight steps are interrupted.
func (e *Engine) Cancel(executionID, reason string) error {
	e.mu.Lock()
	st, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if st.status().Terminal() {
		return fmt.Errorf("execution %s already %s", executionID, st.status())
	}
	if reason != "" {
		st.mu.Lock()
		st.exec.CancelReason = reason
		st.mu.Unlock()
	}
	st.cancel()
	return nil
}

// GetExecution returns a copy of the execution's current state.
func (e *Engine) GetExecution(executionID string) (*models.Execution, error) {
	e.mu.Lock()
	st, ok := e.executions[executionID]
	e.mu.Unlock()
	if ok {
		return st.snapshot(), nil
	}
	if e.store != nil {
		return e.store.GetExecution(executionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
}

// ListExecutions returns copies of executions matching the filter, newest
// first.
func (e *Engine) ListExecutions(filter models.ExecutionFilter) []*models.Execution {
	e.mu.Lock()
	states := make([]*executionState, 0, len(e.executions))
	for _, st := range e.executions {
		states = append(states, st)
	}
	e.mu.Unlock()

	var out []*models.Execution
	for _, st := range states {
		snap := st.snapshot()
		if filter.Matches(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the execution reaches a terminal state or ctx ends.
func (e *Engine) Wait(ctx context.Context, executionID string) (*models.Execution, error) {
	e.mu.Lock()
	st, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Metrics exposes the in-memory metrics tracker.
func (e *Engine) Metrics() *metrics.Tracker {
	return e.metrics
}

// Close cancels all in-flight executions and waits for them to settle.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.baseCancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) emit(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Debug("event publish failed", "type", string(event.Type), "error", err)
	}
}
