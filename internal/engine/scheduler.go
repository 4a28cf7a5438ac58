// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/events"
)

// runWaves drives the execution's step DAG to a conclusion. It repeatedly
// computes the ready frontier (pending steps whose dependencies are all
// terminal) and dispatches it concurrently, bounded by the engine's
// parallelism limit. It returns the terminal status the execution should
// take, an error message for failed outcomes, and whether the rollback
// plan must run.
func (e *Engine) runWaves(ctx context.Context, st *executionState) (status models.ExecutionStatus, errMsg string, needRollback bool) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "execution.run",
			trace.WithAttributes(
				attribute.String("playbook.id", st.pb.ID),
				attribute.String("execution.id", st.exec.ID),
				attribute.Int("step.count", len(st.pb.Steps)),
			),
		)
		defer span.End()
	}

	// waveCtx lets a stop or rollback policy halt in-flight steps without
	// cancelling the execution's own context.
	waveCtx, cancelWave := context.WithCancel(ctx)
	defer cancelWave()

	var policy struct {
		mu       sync.Mutex
		stop     bool
		rollback bool
		anyFail  bool
		firstErr string
	}

	for {
		if ctx.Err() != nil {
			return models.ExecutionStatusCancelled, "", false
		}

		ready := st.readyFrontier()
		if len(ready) == 0 {
			if st.allStepsTerminal() {
				policy.mu.Lock()
				defer policy.mu.Unlock()
				if policy.anyFail {
					return models.ExecutionStatusFailed, policy.firstErr, false
				}
				return models.ExecutionStatusCompleted, "", false
			}
			schedErr := &SchedulingError{ExecutionID: st.exec.ID, Pending: st.pendingSteps()}
			e.logger.Error("scheduling error", "execution_id", st.exec.ID, "error", schedErr)
			return models.ExecutionStatusFailed, schedErr.Error(), false
		}

		sem := make(chan struct{}, e.maxParallel)
		var wg sync.WaitGroup
		for _, step := range ready {
			wg.Add(1)
			sem <- struct{}{}
			go func(step models.PlaybookStep) {
				defer wg.Done()
				defer func() { <-sem }()

				failMsg, onFailure := e.runStepWithRetry(waveCtx, st, step)
				if onFailure == "" {
					return
				}

				policy.mu.Lock()
				policy.anyFail = true
				if policy.firstErr == "" {
					policy.firstErr = failMsg
				}
				switch onFailure {
				case models.OnFailureStop:
					policy.stop = true
					cancelWave()
				case models.OnFailureRollback:
					policy.rollback = true
					cancelWave()
				}
				policy.mu.Unlock()
			}(step)
		}
		wg.Wait()

		progress := st.updateProgress()
		e.emit(ctx, events.Event{
			Type:        events.ExecutionProgress,
			PlaybookID:  st.pb.ID,
			ExecutionID: st.exec.ID,
			Payload:     map[string]any{"progress": progress},
		})

		policy.mu.Lock()
		stop, rollback, firstErr := policy.stop, policy.rollback, policy.firstErr
		policy.mu.Unlock()

		// External cancellation trumps the failure policy: a step that
		// died because the execution was cancelled is not a failure.
		if ctx.Err() != nil {
			return models.ExecutionStatusCancelled, "", false
		}

		if rollback {
			return models.ExecutionStatusRolledBack, firstErr, true
		}
		if stop {
			return models.ExecutionStatusFailed, firstErr, false
		}
	}
}

// runStepWithRetry executes a step with its retry policy: retry_count
// retries after the first attempt, each separated by the declared delay.
// A timed-out attempt counts as a failure. It returns the failure message
// and the step's on-failure disposition once retries are exhausted, or
// empty values on success or skip.
func (e *Engine) runStepWithRetry(ctx context.Context, st *executionState, step models.PlaybookStep) (string, models.OnFailure) {
	timeout := e.stepTimeout(step)

	for attempt := 0; ; attempt++ {
		st.markStepRunning(step.ID)
		e.emit(ctx, events.Event{
			Type:        events.StepStarted,
			PlaybookID:  st.pb.ID,
			ExecutionID: st.exec.ID,
			StepID:      step.ID,
			Payload:     map[string]any{"attempt": attempt + 1, "type": string(step.Type)},
		})

		outcome, err := e.runStepAttempt(ctx, st, step, timeout)
		if err == nil {
			if outcome.skip {
				st.markStepSkipped(step.ID, outcome.skipReason)
				e.emit(ctx, events.Event{
					Type:        events.StepSkipped,
					PlaybookID:  st.pb.ID,
					ExecutionID: st.exec.ID,
					StepID:      step.ID,
					Payload:     map[string]any{"reason": outcome.skipReason},
				})
			} else {
				st.markStepCompleted(step.ID, outcome.output, attempt)
				e.emit(ctx, events.Event{
					Type:        events.StepCompleted,
					PlaybookID:  st.pb.ID,
					ExecutionID: st.exec.ID,
					StepID:      step.ID,
				})
			}
			return "", ""
		}

		if attempt < step.RetryCount && ctx.Err() == nil {
			e.logger.Warn("step failed, retrying",
				"execution_id", st.exec.ID,
				"step_id", step.ID,
				"attempt", attempt+1,
				"error", err,
			)
			select {
			case <-time.After(step.RetryDelay()):
				continue
			case <-ctx.Done():
				// give up on retries, fall through to failure
			}
		}

		st.markStepFailed(step.ID, err.Error(), attempt)
		e.emit(ctx, events.Event{
			Type:        events.StepFailed,
			PlaybookID:  st.pb.ID,
			ExecutionID: st.exec.ID,
			StepID:      step.ID,
			Payload:     map[string]any{"error": err.Error(), "attempts": attempt + 1},
		})

		onFailure := step.OnFailure
		if onFailure == "" {
			onFailure = models.OnFailureStop
		}
		return err.Error(), onFailure
	}
}

// runStepAttempt runs a single attempt under the step timeout, with an
// optional trace span.
func (e *Engine) runStepAttempt(ctx context.Context, st *executionState, step models.PlaybookStep, timeout time.Duration) (stepOutcome, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "step.execute",
			trace.WithAttributes(
				attribute.String("step.id", step.ID),
				attribute.String("step.type", string(step.Type)),
			),
		)
		defer span.End()
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.executeStep(stepCtx, st, step)
}

// runRollback executes the playbook's rollback plan sequentially, in
// declared order, outside the DAG scheduler. Failures are logged and do
// not re-trigger rollback; every successful rollback step is appended to
// the execution's rollback actions for audit.
func (e *Engine) runRollback(ctx context.Context, st *executionState) {
	e.logger.Info("running rollback plan",
		"execution_id", st.exec.ID,
		"playbook_id", st.pb.ID,
		"steps", len(st.pb.RollbackPlan),
	)

	for _, step := range st.pb.RollbackPlan {
		outcome, err := e.runStepAttempt(ctx, st, step, e.stepTimeout(step))
		if err != nil {
			e.logger.Error("rollback step failed",
				"execution_id", st.exec.ID,
				"step_id", step.ID,
				"error", err,
			)
			continue
		}
		if outcome.skip {
			continue
		}
		st.appendRollbackAction(step.ID)
	}
}
