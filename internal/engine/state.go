// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/kusari-oss/runbook/internal/core/models"
)

// executionState owns one execution's mutable record. All writes go
// through its mutex, so step goroutines never race on step_results, and
// readers always get a consistent snapshot via clone.
type executionState struct {
	mu   sync.Mutex
	exec *models.Execution
	pb   *models.Playbook

	cancel context.CancelFunc
	done   chan struct{}

	// approvalTimeout is the gate deadline from the trigger that started
	// this execution; zero means the engine default applies.
	approvalTimeout time.Duration
}

func newExecutionState(pb *models.Playbook, exec *models.Execution, cancel context.CancelFunc) *executionState {
	return &executionState{
		exec:   exec,
		pb:     pb,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// snapshot returns a deep copy safe to hand to callers and event payloads.
func (st *executionState) snapshot() *models.Execution {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exec.Clone()
}

func (st *executionState) status() models.ExecutionStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exec.Status
}

func (st *executionState) setStatus(s models.ExecutionStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.exec.Status = s
}

// initStepResults seeds a pending result for every step so progress and
// frontier computations see the full step set from the start.
func (st *executionState) initStepResults() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.exec.StepResults = make(map[string]*models.StepResult, len(st.pb.Steps))
	for _, s := range st.pb.Steps {
		st.exec.StepResults[s.ID] = &models.StepResult{
			StepID: s.ID,
			Status: models.StepStatusPending,
		}
	}
}

// readyFrontier returns the pending steps whose dependencies have all
// reached a terminal status. Under the continue failure policy a failed or
// skipped dependency still unblocks its dependents; executions that must
// not proceed past a failure terminate before the next wave instead.
func (st *executionState) readyFrontier() []models.PlaybookStep {
	st.mu.Lock()
	defer st.mu.Unlock()

	var ready []models.PlaybookStep
	for _, step := range st.pb.Steps {
		result := st.exec.StepResults[step.ID]
		if result == nil || result.Status != models.StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range step.Dependencies {
			depResult := st.exec.StepResults[dep]
			if depResult == nil || !depResult.Status.Terminal() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// pendingSteps returns ids of steps that have not reached a terminal
// status, for the scheduling-error report.
func (st *executionState) pendingSteps() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []string
	for _, step := range st.pb.Steps {
		if r := st.exec.StepResults[step.ID]; r != nil && !r.Status.Terminal() {
			out = append(out, step.ID)
		}
	}
	return out
}

func (st *executionState) allStepsTerminal() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, r := range st.exec.StepResults {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

func (st *executionState) markStepRunning(stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if r, ok := st.exec.StepResults[stepID]; ok {
		r.Status = models.StepStatusRunning
		if r.StartedAt == nil {
			now := time.Now()
			r.StartedAt = &now
		}
	}
}

func (st *executionState) markStepCompleted(stepID string, output map[string]any, retries int) {
	st.finishStep(stepID, func(r *models.StepResult) {
		r.Status = models.StepStatusCompleted
		r.Output = output
		r.RetryCount = retries
	})
}

func (st *executionState) markStepFailed(stepID string, errMsg string, retries int) {
	st.finishStep(stepID, func(r *models.StepResult) {
		r.Status = models.StepStatusFailed
		r.Error = errMsg
		r.RetryCount = retries
	})
}

func (st *executionState) markStepSkipped(stepID, reason string) {
	st.finishStep(stepID, func(r *models.StepResult) {
		r.Status = models.StepStatusSkipped
		r.SkipReason = reason
	})
}

func (st *executionState) finishStep(stepID string, update func(*models.StepResult)) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := st.exec.StepResults[stepID]
	if !ok {
		return
	}
	update(r)
	now := time.Now()
	r.CompletedAt = &now
	if r.StartedAt != nil {
		r.Duration = now.Sub(*r.StartedAt)
	}
}

// updateProgress recomputes the completed fraction over the main step set
// and returns the new value.
func (st *executionState) updateProgress() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	total := len(st.pb.Steps)
	if total == 0 {
		st.exec.Progress = 1
		return 1
	}
	terminal := 0
	for _, step := range st.pb.Steps {
		if r := st.exec.StepResults[step.ID]; r != nil && r.Status.Terminal() {
			terminal++
		}
	}
	st.exec.Progress = float64(terminal) / float64(total)
	return st.exec.Progress
}

// varsSnapshot assembles the variable map visible to conditional branches
// and custom checks: the execution variables plus completed step outputs
// under "steps".
func (st *executionState) varsSnapshot() map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()

	vars := make(map[string]any, len(st.exec.Variables)+1)
	for k, v := range st.exec.Variables {
		vars[k] = v
	}
	steps := make(map[string]any)
	for id, r := range st.exec.StepResults {
		if r.Status == models.StepStatusCompleted && r.Output != nil {
			steps[id] = r.Output
		}
	}
	vars["steps"] = steps
	return vars
}

// appendRollbackAction records a successfully executed rollback step.
func (st *executionState) appendRollbackAction(stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.exec.RollbackActions = append(st.exec.RollbackActions, stepID)
}

// finish stamps the terminal status and completion time.
func (st *executionState) finish(status models.ExecutionStatus, errMsg, cancelReason string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.exec.Status = status
	if errMsg != "" {
		st.exec.Error = errMsg
	}
	if cancelReason != "" {
		st.exec.CancelReason = cancelReason
	}
	now := time.Now()
	st.exec.CompletedAt = &now
}
