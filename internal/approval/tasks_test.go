// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitResolution(t *testing.T, ch <-chan TaskResolution) TaskResolution {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolution")
		return TaskResolution{}
	}
}

func TestCreateAssignsID(t *testing.T) {
	q := NewTaskQueue(nil)
	task, ch := q.Create(Task{Kind: TaskKindApproval, ExecutionID: "ex-1", StepID: "gate"})

	assert.NotEmpty(t, task.ID)
	assert.False(t, task.CreatedAt.IsZero())
	assert.NotNil(t, ch)
}

func TestResolveApproval(t *testing.T) {
	q := NewTaskQueue(nil)
	task, ch := q.Create(Task{Kind: TaskKindApproval, ExecutionID: "ex-1"})

	assert.True(t, q.ResolveApproval(task.ID, "alice", true, ""))

	r := awaitResolution(t, ch)
	assert.True(t, r.Approved)
	assert.Equal(t, "alice", r.Resolver)

	// Once resolved, the task is gone.
	assert.False(t, q.ResolveApproval(task.ID, "bob", false, "late"))
}

func TestResolveApprovalRejected(t *testing.T) {
	q := NewTaskQueue(nil)
	task, ch := q.Create(Task{Kind: TaskKindApproval})

	assert.True(t, q.ResolveApproval(task.ID, "bob", false, "not safe"))

	r := awaitResolution(t, ch)
	assert.False(t, r.Approved)
	assert.Equal(t, "not safe", r.Reason)
}

func TestCompleteManual(t *testing.T) {
	q := NewTaskQueue(nil)
	task, ch := q.Create(Task{Kind: TaskKindManual, Assignee: "oncall"})

	assert.True(t, q.CompleteManual(task.ID, "carol", map[string]any{"ticket": "OPS-42"}))

	r := awaitResolution(t, ch)
	assert.True(t, r.Approved)
	assert.Equal(t, "carol", r.Resolver)
	assert.Equal(t, "OPS-42", r.Output["ticket"])
}

func TestCancel(t *testing.T) {
	q := NewTaskQueue(nil)
	task, _ := q.Create(Task{Kind: TaskKindManual})

	assert.True(t, q.Cancel(task.ID))
	assert.False(t, q.Cancel(task.ID))
	assert.False(t, q.ResolveApproval(task.ID, "alice", true, ""))
}

func TestList(t *testing.T) {
	q := NewTaskQueue(nil)
	q.Create(Task{Kind: TaskKindApproval, ExecutionID: "ex-1"})
	q.Create(Task{Kind: TaskKindManual, ExecutionID: "ex-1", Assignee: "oncall"})
	q.Create(Task{Kind: TaskKindManual, ExecutionID: "ex-2", Assignee: "dba"})

	assert.Len(t, q.List(TaskFilter{}), 3)
	assert.Len(t, q.List(TaskFilter{Kind: TaskKindManual}), 2)
	assert.Len(t, q.List(TaskFilter{ExecutionID: "ex-1"}), 2)

	dba := q.List(TaskFilter{Assignee: "dba"})
	require.Len(t, dba, 1)
	assert.Equal(t, "ex-2", dba[0].ExecutionID)
}
