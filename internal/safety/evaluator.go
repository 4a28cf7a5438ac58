// SPDX-License-Identifier: Apache-2.0

// Package safety evaluates a playbook's pre-execution guards against live
// context before the scheduler is allowed to run.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kusari-oss/runbook/internal/condition"
	"github.com/kusari-oss/runbook/internal/core/models"
)

// ResourceUsage is a snapshot of host resource consumption, in percent.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// ImpactReport estimates the blast radius of running a playbook.
type ImpactReport struct {
	ResourceCount int
	Critical      bool
}

// ContextProvider supplies the live context safety checks evaluate against.
// It is a port: production wires monitoring and IAM collaborators behind
// it, tests wire stubs.
type ContextProvider interface {
	Resources(ctx context.Context) (ResourceUsage, error)
	ServiceHealth(ctx context.Context, services []string) (map[string]bool, error)
	Permissions(ctx context.Context) ([]string, error)
	Impact(ctx context.Context, playbookID string) (ImpactReport, error)
}

// Evaluator runs a playbook's safety checks. It is stateless between
// evaluations; every execution gets a fresh pass.
type Evaluator struct {
	provider ContextProvider
	cond     *condition.Evaluator
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator creates a safety evaluator. The clock is injectable for
// time-window tests.
func NewEvaluator(provider ContextProvider, cond *condition.Evaluator, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		provider: provider,
		cond:     cond,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the evaluator's clock. Intended for tests.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate runs every enabled check and returns all results plus whether
// any failing check with fail_action=block should abort the execution.
// Results are returned for every check regardless of outcome so the
// execution record stays complete for audit.
func (e *Evaluator) Evaluate(ctx context.Context, playbookID string, checks []models.SafetyCheck, vars map[string]any) ([]models.SafetyCheckResult, bool) {
	var results []models.SafetyCheckResult
	blocked := false

	for _, check := range checks {
		if check.Disabled {
			continue
		}

		result := e.evaluateCheck(ctx, playbookID, check, vars)
		result.EvaluatedAt = e.now()
		results = append(results, result)

		if !result.Passed {
			switch check.FailAction {
			case models.FailActionBlock:
				blocked = true
				e.logger.Warn("safety check blocked execution",
					"check", check.ID, "type", check.Type, "message", result.Message)
			case models.FailActionWarn:
				e.logger.Warn("safety check failed",
					"check", check.ID, "type", check.Type, "message", result.Message)
			default:
				// allow: recorded for audit only
			}
		}
	}
	return results, blocked
}

func (e *Evaluator) evaluateCheck(ctx context.Context, playbookID string, check models.SafetyCheck, vars map[string]any) models.SafetyCheckResult {
	result := models.SafetyCheckResult{
		CheckID:    check.ID,
		Type:       check.Type,
		FailAction: check.FailAction,
	}

	if e.provider == nil {
		switch check.Type {
		case models.SafetyCheckResourceLimits, models.SafetyCheckDependency,
			models.SafetyCheckImpactAssessment, models.SafetyCheckPermission:
			result.Passed = false
			result.Message = fmt.Sprintf("no context provider configured for %s check", check.Type)
			return result
		}
	}

	switch check.Type {
	case models.SafetyCheckResourceLimits:
		e.checkResources(ctx, check, &result)
	case models.SafetyCheckTimeWindow:
		e.checkTimeWindow(check, &result)
	case models.SafetyCheckDependency:
		e.checkDependencies(ctx, check, &result)
	case models.SafetyCheckImpactAssessment:
		e.checkImpact(ctx, playbookID, check, &result)
	case models.SafetyCheckPermission:
		e.checkPermissions(ctx, check, &result)
	case models.SafetyCheckCustom:
		e.checkCustom(check, vars, &result)
	default:
		result.Passed = false
		result.Message = fmt.Sprintf("unknown safety check type %q", check.Type)
	}
	return result
}

func (e *Evaluator) checkResources(ctx context.Context, check models.SafetyCheck, result *models.SafetyCheckResult) {
	usage, err := e.provider.Resources(ctx)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("could not read resource usage: %v", err)
		return
	}

	result.Details = map[string]any{
		"cpu_percent":    usage.CPUPercent,
		"memory_percent": usage.MemoryPercent,
		"disk_percent":   usage.DiskPercent,
	}

	var over []string
	if check.MaxCPUPercent > 0 && usage.CPUPercent > check.MaxCPUPercent {
		over = append(over, fmt.Sprintf("cpu %.1f%% > %.1f%%", usage.CPUPercent, check.MaxCPUPercent))
	}
	if check.MaxMemoryPercent > 0 && usage.MemoryPercent > check.MaxMemoryPercent {
		over = append(over, fmt.Sprintf("memory %.1f%% > %.1f%%", usage.MemoryPercent, check.MaxMemoryPercent))
	}
	if check.MaxDiskPercent > 0 && usage.DiskPercent > check.MaxDiskPercent {
		over = append(over, fmt.Sprintf("disk %.1f%% > %.1f%%", usage.DiskPercent, check.MaxDiskPercent))
	}

	if len(over) > 0 {
		result.Passed = false
		result.Message = "resource limits exceeded: " + strings.Join(over, ", ")
		result.SuggestedActions = []string{"wait for resource pressure to subside", "raise the check limits"}
		return
	}
	result.Passed = true
	result.Message = "resource usage within limits"
}

func (e *Evaluator) checkTimeWindow(check models.SafetyCheck, result *models.SafetyCheckResult) {
	now := e.now()

	if len(check.WindowDays) > 0 {
		day := strings.ToLower(now.Weekday().String())
		ok := false
		for _, d := range check.WindowDays {
			if strings.ToLower(d) == day {
				ok = true
				break
			}
		}
		if !ok {
			result.Passed = false
			result.Message = fmt.Sprintf("%s is outside the allowed days", now.Weekday())
			result.SuggestedActions = []string{"wait for the next allowed day"}
			return
		}
	}

	if check.WindowStart != "" && check.WindowEnd != "" {
		start, err1 := time.Parse("15:04", check.WindowStart)
		end, err2 := time.Parse("15:04", check.WindowEnd)
		if err1 != nil || err2 != nil {
			result.Passed = false
			result.Message = "invalid time window definition"
			return
		}
		minutes := now.Hour()*60 + now.Minute()
		startMin := start.Hour()*60 + start.Minute()
		endMin := end.Hour()*60 + end.Minute()

		inWindow := false
		if startMin <= endMin {
			inWindow = minutes >= startMin && minutes <= endMin
		} else {
			// window crosses midnight
			inWindow = minutes >= startMin || minutes <= endMin
		}
		if !inWindow {
			result.Passed = false
			result.Message = fmt.Sprintf("current time is outside window %s-%s", check.WindowStart, check.WindowEnd)
			result.SuggestedActions = []string{"wait for the maintenance window"}
			return
		}
	}

	result.Passed = true
	result.Message = "within allowed time window"
}

func (e *Evaluator) checkDependencies(ctx context.Context, check models.SafetyCheck, result *models.SafetyCheckResult) {
	health, err := e.provider.ServiceHealth(ctx, check.Services)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("could not check service health: %v", err)
		return
	}

	result.Details = map[string]any{"health": health}
	var unhealthy []string
	for _, svc := range check.Services {
		if !health[svc] {
			unhealthy = append(unhealthy, svc)
		}
	}
	if len(unhealthy) > 0 {
		result.Passed = false
		result.Message = "unhealthy dependencies: " + strings.Join(unhealthy, ", ")
		result.SuggestedActions = []string{"restore the listed services before retrying"}
		return
	}
	result.Passed = true
	result.Message = "all dependencies healthy"
}

func (e *Evaluator) checkImpact(ctx context.Context, playbookID string, check models.SafetyCheck, result *models.SafetyCheckResult) {
	report, err := e.provider.Impact(ctx, playbookID)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("could not assess impact: %v", err)
		return
	}

	result.Details = map[string]any{
		"resource_count": report.ResourceCount,
		"critical":       report.Critical,
	}
	if report.Critical {
		result.Passed = false
		result.Message = "playbook would impact critical resources"
		result.SuggestedActions = []string{"review the affected resources", "run with explicit approval"}
		return
	}
	if check.MaxImpactedResources > 0 && report.ResourceCount > check.MaxImpactedResources {
		result.Passed = false
		result.Message = fmt.Sprintf("impact of %d resources exceeds limit of %d", report.ResourceCount, check.MaxImpactedResources)
		return
	}
	result.Passed = true
	result.Message = "impact within acceptable bounds"
}

func (e *Evaluator) checkPermissions(ctx context.Context, check models.SafetyCheck, result *models.SafetyCheckResult) {
	granted, err := e.provider.Permissions(ctx)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("could not read permission set: %v", err)
		return
	}

	have := make(map[string]bool, len(granted))
	for _, p := range granted {
		have[p] = true
	}
	var missing []string
	for _, p := range check.RequiredPermissions {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		result.Passed = false
		result.Message = "missing permissions: " + strings.Join(missing, ", ")
		result.SuggestedActions = []string{"request the missing permissions"}
		return
	}
	result.Passed = true
	result.Message = "all required permissions granted"
}

func (e *Evaluator) checkCustom(check models.SafetyCheck, vars map[string]any, result *models.SafetyCheckResult) {
	if check.Expression == "" {
		result.Passed = false
		result.Message = "custom check has no expression"
		return
	}
	ok, err := e.cond.Eval(check.Expression, vars, nil)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("custom check error: %v", err)
		return
	}
	result.Passed = ok
	if ok {
		result.Message = "custom check passed"
	} else {
		result.Message = fmt.Sprintf("custom check %q evaluated false", check.Expression)
	}
}
