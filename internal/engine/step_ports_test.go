// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/engine"
	"github.com/kusari-oss/runbook/internal/testutil"
)

func TestAPICallStep(t *testing.T) {
	api := &testutil.MockAPICaller{}
	api.On("Do", mock.Anything, engine.APIRequest{
		Method:  "POST",
		URL:     "https://ops.example.com/scale",
		Headers: map[string]string{"X-Token": "abc"},
		Body:    map[string]any{"replicas": 3},
	}).Return(engine.APIResponse{StatusCode: 202, Body: map[string]any{"accepted": true}}, nil)

	h := newHarness(t, engine.WithPorts(engine.Ports{API: api}))
	pb := h.create(t, basicPlaybook(models.PlaybookStep{
		ID:   "scale",
		Type: models.StepTypeAPICall,
		Config: &models.APICallConfig{
			Method:  "POST",
			URL:     "https://ops.example.com/scale",
			Headers: map[string]string{"X-Token": "abc"},
			Body:    map[string]any{"replicas": 3},
		},
	}))

	final := h.run(t, pb.ID, nil)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 202, final.StepResults["scale"].Output["status_code"])
	api.AssertExpectations(t)
}

func TestAPICallStepErrorStatus(t *testing.T) {
	api := &testutil.MockAPICaller{}
	api.On("Do", mock.Anything, mock.Anything).
		Return(engine.APIResponse{StatusCode: 503}, nil)

	h := newHarness(t, engine.WithPorts(engine.Ports{API: api}))
	pb := h.create(t, basicPlaybook(models.PlaybookStep{
		ID:     "scale",
		Type:   models.StepTypeAPICall,
		Config: &models.APICallConfig{Method: "POST", URL: "https://ops.example.com/scale"},
	}))

	final := h.run(t, pb.ID, nil)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.StepResults["scale"].Error, "503")
}

func TestDatabaseQueryStep(t *testing.T) {
	q := &testutil.MockQueryRunner{}
	q.On("Run", mock.Anything, engine.QueryRequest{
		Datasource: "ops",
		Query:      "DELETE FROM sessions WHERE stale = 1",
	}).Return(engine.QueryResult{RowCount: 42}, nil)

	h := newHarness(t, engine.WithPorts(engine.Ports{Query: q}))
	pb := h.create(t, basicPlaybook(models.PlaybookStep{
		ID:     "purge",
		Type:   models.StepTypeDatabaseQuery,
		Config: &models.DatabaseQueryConfig{Datasource: "ops", Query: "DELETE FROM sessions WHERE stale = 1"},
	}))

	final := h.run(t, pb.ID, nil)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 42, final.StepResults["purge"].Output["row_count"])
	q.AssertExpectations(t)
}

func TestFileOperationStep(t *testing.T) {
	files := &testutil.MockFileOperator{}
	files.On("Apply", mock.Anything, engine.FileRequest{
		Operation: "write",
		Path:      "/etc/service/maintenance",
		Content:   "on",
	}).Return(engine.FileResult{Path: "/etc/service/maintenance"}, nil)

	h := newHarness(t, engine.WithPorts(engine.Ports{Files: files}))
	pb := h.create(t, basicPlaybook(models.PlaybookStep{
		ID:     "flag",
		Type:   models.StepTypeFileOperation,
		Config: &models.FileOperationConfig{Operation: "write", Path: "/etc/service/maintenance", Content: "on"},
	}))

	final := h.run(t, pb.ID, nil)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	files.AssertExpectations(t)
}

func TestNotificationStep(t *testing.T) {
	notifier := &testutil.MockNotifier{}
	notifier.On("Send", mock.Anything, engine.Notification{
		Channel:    "slack",
		Recipients: []string{"#oncall"},
		Message:    "restart done",
	}).Return(engine.NotificationReceipt{SentAt: time.Now()}, nil)

	h := newHarness(t, engine.WithPorts(engine.Ports{Notifier: notifier}))
	pb := h.create(t, basicPlaybook(models.PlaybookStep{
		ID:   "notify",
		Type: models.StepTypeNotification,
		Config: &models.NotificationConfig{
			Channel:    "slack",
			Recipients: []string{"#oncall"},
			Message:    "restart done",
		},
	}))

	final := h.run(t, pb.ID, nil)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	notifier.AssertExpectations(t)
}

func TestUnwiredPortFailsStep(t *testing.T) {
	// No Query port wired: the step fails with a clear error instead of
	// panicking.
	h := newHarness(t)
	pb := h.create(t, basicPlaybook(models.PlaybookStep{
		ID:     "purge",
		Type:   models.StepTypeDatabaseQuery,
		Config: &models.DatabaseQueryConfig{Datasource: "ops", Query: "SELECT 1"},
	}))

	final := h.run(t, pb.ID, nil)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.StepResults["purge"].Error, "no query port")
}

func TestMockAgentDispatch(t *testing.T) {
	agent := &testutil.MockAgent{}
	agent.On("Send", mock.Anything, mock.MatchedBy(func(req engine.AgentRequest) bool {
		return req.Action == "restart" && req.AgentID == "test-agent"
	})).Return(engine.AgentAck{AgentID: "test-agent", AcceptedAt: time.Now()}, nil)

	h := newHarness(t, engine.WithPorts(engine.Ports{Agent: agent}))
	pb := h.create(t, basicPlaybook(agentStep("restart")))

	final := h.run(t, pb.ID, nil)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	agent.AssertExpectations(t)
}

func TestGetExecutionSnapshotIsolated(t *testing.T) {
	h := newHarness(t)
	pb := h.create(t, basicPlaybook(agentStep("a")))

	final := h.run(t, pb.ID, nil)

	got, err := h.engine.GetExecution(final.ID)
	require.NoError(t, err)
	got.StepResults["a"].Status = models.StepStatusFailed

	again, err := h.engine.GetExecution(final.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, again.StepResults["a"].Status)

	_, err = h.engine.GetExecution("ghost")
	assert.ErrorIs(t, err, engine.ErrExecutionNotFound)
}
