// SPDX-License-Identifier: Apache-2.0

// Package testutil provides testify mocks and stubs shared by engine and
// command tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/kusari-oss/runbook/internal/engine"
	"github.com/kusari-oss/runbook/internal/safety"
)

// MockAgent mocks the agent dispatch port.
type MockAgent struct {
	mock.Mock
}

func (m *MockAgent) Send(ctx context.Context, req engine.AgentRequest) (engine.AgentAck, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.AgentAck), args.Error(1)
}

// MockAPICaller mocks the HTTP call port.
type MockAPICaller struct {
	mock.Mock
}

func (m *MockAPICaller) Do(ctx context.Context, req engine.APIRequest) (engine.APIResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.APIResponse), args.Error(1)
}

// MockQueryRunner mocks the database query port.
type MockQueryRunner struct {
	mock.Mock
}

func (m *MockQueryRunner) Run(ctx context.Context, req engine.QueryRequest) (engine.QueryResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.QueryResult), args.Error(1)
}

// MockFileOperator mocks the file operation port.
type MockFileOperator struct {
	mock.Mock
}

func (m *MockFileOperator) Apply(ctx context.Context, req engine.FileRequest) (engine.FileResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.FileResult), args.Error(1)
}

// MockNotifier mocks the notification port.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, n engine.Notification) (engine.NotificationReceipt, error) {
	args := m.Called(ctx, n)
	return args.Get(0).(engine.NotificationReceipt), args.Error(1)
}

// RecordingAgent is a lightweight agent port that records every request
// and succeeds, for tests that care about ordering rather than outputs.
type RecordingAgent struct {
	mu       sync.Mutex
	Requests []engine.AgentRequest
	Err      error
}

func (a *RecordingAgent) Send(ctx context.Context, req engine.AgentRequest) (engine.AgentAck, error) {
	a.mu.Lock()
	a.Requests = append(a.Requests, req)
	a.mu.Unlock()
	if a.Err != nil {
		return engine.AgentAck{}, a.Err
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = "agent-" + req.Capability
	}
	return engine.AgentAck{AgentID: agentID, AcceptedAt: time.Now()}, nil
}

// Actions returns the actions sent so far, in dispatch order.
func (a *RecordingAgent) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Requests))
	for i, r := range a.Requests {
		out[i] = r.Action
	}
	return out
}

// StubProvider is a canned safety context provider.
type StubProvider struct {
	Usage              safety.ResourceUsage
	Health             map[string]bool
	GrantedPermissions []string
	ImpactReport       safety.ImpactReport

	UsageErr error
}

func (p *StubProvider) Resources(ctx context.Context) (safety.ResourceUsage, error) {
	return p.Usage, p.UsageErr
}

func (p *StubProvider) ServiceHealth(ctx context.Context, services []string) (map[string]bool, error) {
	out := make(map[string]bool, len(services))
	for _, s := range services {
		healthy, ok := p.Health[s]
		out[s] = ok && healthy
	}
	return out, nil
}

func (p *StubProvider) Permissions(ctx context.Context) ([]string, error) {
	return p.GrantedPermissions, nil
}

func (p *StubProvider) Impact(ctx context.Context, playbookID string) (safety.ImpactReport, error) {
	return p.ImpactReport, nil
}
