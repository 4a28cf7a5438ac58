// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskKind distinguishes step-level approval tasks from manual tasks.
type TaskKind string

const (
	TaskKindApproval TaskKind = "approval"
	TaskKindManual   TaskKind = "manual"
)

// Task is a unit of human work created by an approval_required or
// manual_step step. It stays open until resolved, cancelled, or the owning
// step times out.
type Task struct {
	ID           string    `json:"id"`
	Kind         TaskKind  `json:"kind"`
	ExecutionID  string    `json:"execution_id"`
	PlaybookID   string    `json:"playbook_id"`
	StepID       string    `json:"step_id"`
	Instructions string    `json:"instructions,omitempty"`
	Approvers    []string  `json:"approvers,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskResolution is delivered to the step waiting on a task.
type TaskResolution struct {
	Approved    bool           `json:"approved"`
	Resolver    string         `json:"resolver,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// TaskFilter selects tasks in List queries. Zero-value fields match all.
type TaskFilter struct {
	Kind        TaskKind
	ExecutionID string
	Assignee    string
}

type taskEntry struct {
	task Task
	ch   chan TaskResolution
}

// TaskQueue tracks open step-level tasks. Resolution methods are
// idempotent: resolving an unknown or already-resolved task returns false.
type TaskQueue struct {
	mu     sync.Mutex
	tasks  map[string]*taskEntry
	logger *slog.Logger
}

// NewTaskQueue creates a task queue.
func NewTaskQueue(logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{
		tasks:  make(map[string]*taskEntry),
		logger: logger,
	}
}

// Create opens a task and returns it together with the channel its
// resolution will arrive on. An id is assigned if the task has none.
func (q *TaskQueue) Create(task Task) (Task, <-chan TaskResolution) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	entry := &taskEntry{
		task: task,
		ch:   make(chan TaskResolution, 1),
	}

	q.mu.Lock()
	q.tasks[task.ID] = entry
	q.mu.Unlock()

	q.logger.Info("task created",
		"task_id", task.ID,
		"kind", task.Kind,
		"execution_id", task.ExecutionID,
		"step_id", task.StepID,
	)
	return task, entry.ch
}

// ResolveApproval records a decision on a step-level approval task.
func (q *TaskQueue) ResolveApproval(taskID, approver string, approved bool, reason string) bool {
	return q.resolve(taskID, TaskResolution{
		Approved:    approved,
		Resolver:    approver,
		Reason:      reason,
		CompletedAt: time.Now(),
	})
}

// CompleteManual marks a manual task done, with optional operator output
// that becomes the step's output.
func (q *TaskQueue) CompleteManual(taskID, operator string, output map[string]any) bool {
	return q.resolve(taskID, TaskResolution{
		Approved:    true,
		Resolver:    operator,
		Output:      output,
		CompletedAt: time.Now(),
	})
}

// Cancel withdraws a task without resolving it, for steps that timed out
// or executions that were cancelled.
func (q *TaskQueue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[taskID]; !ok {
		return false
	}
	delete(q.tasks, taskID)
	return true
}

// List returns open tasks matching the filter.
func (q *TaskQueue) List(filter TaskFilter) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, entry := range q.tasks {
		t := entry.task
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.ExecutionID != "" && t.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Assignee != "" && t.Assignee != filter.Assignee {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (q *TaskQueue) resolve(taskID string, res TaskResolution) bool {
	q.mu.Lock()
	entry, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.tasks, taskID)
	q.mu.Unlock()

	entry.ch <- res
	return true
}
