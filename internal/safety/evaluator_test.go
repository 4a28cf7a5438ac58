// SPDX-License-Identifier: Apache-2.0

package safety

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/runbook/internal/condition"
	"github.com/kusari-oss/runbook/internal/core/models"
)

type stubProvider struct {
	usage       ResourceUsage
	health      map[string]bool
	permissions []string
	impact      ImpactReport
}

func (p *stubProvider) Resources(ctx context.Context) (ResourceUsage, error) {
	return p.usage, nil
}

func (p *stubProvider) ServiceHealth(ctx context.Context, services []string) (map[string]bool, error) {
	out := make(map[string]bool, len(services))
	for _, s := range services {
		out[s] = p.health[s]
	}
	return out, nil
}

func (p *stubProvider) Permissions(ctx context.Context) ([]string, error) {
	return p.permissions, nil
}

func (p *stubProvider) Impact(ctx context.Context, playbookID string) (ImpactReport, error) {
	return p.impact, nil
}

func newTestEvaluator(t *testing.T, provider ContextProvider) *Evaluator {
	t.Helper()
	cond, err := condition.NewEvaluator()
	require.NoError(t, err)
	return NewEvaluator(provider, cond, slog.Default())
}

func TestResourceLimitsBlock(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{usage: ResourceUsage{CPUPercent: 95}})

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:            "cpu",
		Type:          models.SafetyCheckResourceLimits,
		FailAction:    models.FailActionBlock,
		MaxCPUPercent: 80,
	}}, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.True(t, blocked)
	assert.False(t, results[0].EvaluatedAt.IsZero())
}

func TestResourceLimitsWarnDoesNotBlock(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{usage: ResourceUsage{MemoryPercent: 99}})

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:               "mem",
		Type:             models.SafetyCheckResourceLimits,
		FailAction:       models.FailActionWarn,
		MaxMemoryPercent: 90,
	}}, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.False(t, blocked)
}

func TestResourceLimitsPass(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{usage: ResourceUsage{CPUPercent: 20, MemoryPercent: 30}})

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:               "res",
		Type:             models.SafetyCheckResourceLimits,
		FailAction:       models.FailActionBlock,
		MaxCPUPercent:    80,
		MaxMemoryPercent: 80,
	}}, nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.False(t, blocked)
}

func TestTimeWindow(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{})
	// Wednesday 2026-01-07 14:30
	ev.SetClock(func() time.Time {
		return time.Date(2026, 1, 7, 14, 30, 0, 0, time.UTC)
	})

	check := models.SafetyCheck{
		ID:          "window",
		Type:        models.SafetyCheckTimeWindow,
		FailAction:  models.FailActionBlock,
		WindowStart: "09:00",
		WindowEnd:   "17:00",
		WindowDays:  []string{"monday", "wednesday"},
	}
	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{check}, nil)
	assert.True(t, results[0].Passed)
	assert.False(t, blocked)

	// Outside the hours.
	ev.SetClock(func() time.Time {
		return time.Date(2026, 1, 7, 22, 0, 0, 0, time.UTC)
	})
	results, blocked = ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{check}, nil)
	assert.False(t, results[0].Passed)
	assert.True(t, blocked)

	// Wrong day.
	ev.SetClock(func() time.Time {
		return time.Date(2026, 1, 8, 14, 30, 0, 0, time.UTC)
	})
	results, _ = ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{check}, nil)
	assert.False(t, results[0].Passed)
}

func TestTimeWindowAcrossMidnight(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{})
	ev.SetClock(func() time.Time {
		return time.Date(2026, 1, 7, 1, 0, 0, 0, time.UTC)
	})

	check := models.SafetyCheck{
		ID:          "night",
		Type:        models.SafetyCheckTimeWindow,
		FailAction:  models.FailActionBlock,
		WindowStart: "22:00",
		WindowEnd:   "04:00",
	}
	results, _ := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{check}, nil)
	assert.True(t, results[0].Passed)
}

func TestDependencyCheck(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{health: map[string]bool{"db": true, "cache": false}})

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:         "deps",
		Type:       models.SafetyCheckDependency,
		FailAction: models.FailActionBlock,
		Services:   []string{"db", "cache"},
	}}, nil)

	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "cache")
	assert.True(t, blocked)
}

func TestImpactAssessment(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{impact: ImpactReport{ResourceCount: 12}})

	results, _ := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:                   "impact",
		Type:                 models.SafetyCheckImpactAssessment,
		FailAction:           models.FailActionBlock,
		MaxImpactedResources: 5,
	}}, nil)
	assert.False(t, results[0].Passed)

	ev = newTestEvaluator(t, &stubProvider{impact: ImpactReport{Critical: true}})
	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:         "impact",
		Type:       models.SafetyCheckImpactAssessment,
		FailAction: models.FailActionBlock,
	}}, nil)
	assert.False(t, results[0].Passed)
	assert.True(t, blocked)
}

func TestPermissionCheck(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{permissions: []string{"restart-service"}})

	results, _ := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:                  "perms",
		Type:                models.SafetyCheckPermission,
		FailAction:          models.FailActionBlock,
		RequiredPermissions: []string{"restart-service", "scale-deployment"},
	}}, nil)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "scale-deployment")
}

func TestCustomCheck(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{})

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:         "custom",
		Type:       models.SafetyCheckCustom,
		FailAction: models.FailActionBlock,
		Expression: `vars.replicas >= 2`,
	}}, map[string]any{"replicas": 3})
	assert.True(t, results[0].Passed)
	assert.False(t, blocked)

	results, blocked = ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:         "custom",
		Type:       models.SafetyCheckCustom,
		FailAction: models.FailActionBlock,
		Expression: `vars.replicas >= 2`,
	}}, map[string]any{"replicas": 1})
	assert.False(t, results[0].Passed)
	assert.True(t, blocked)
}

func TestDisabledCheckSkipped(t *testing.T) {
	ev := newTestEvaluator(t, &stubProvider{usage: ResourceUsage{CPUPercent: 100}})

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:            "cpu",
		Type:          models.SafetyCheckResourceLimits,
		FailAction:    models.FailActionBlock,
		MaxCPUPercent: 10,
		Disabled:      true,
	}}, nil)
	assert.Empty(t, results)
	assert.False(t, blocked)
}

func TestNoProviderFailsProviderChecks(t *testing.T) {
	ev := newTestEvaluator(t, nil)

	results, blocked := ev.Evaluate(context.Background(), "pb-1", []models.SafetyCheck{{
		ID:         "deps",
		Type:       models.SafetyCheckDependency,
		FailAction: models.FailActionBlock,
		Services:   []string{"db"},
	}}, nil)
	assert.False(t, results[0].Passed)
	assert.True(t, blocked)
}
