// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// StepType identifies the kind of work a playbook step performs.
// Each type carries its own config struct; see StepConfig.
type StepType string

const (
	StepTypeAgentAction       StepType = "agent_action"
	StepTypeAPICall           StepType = "api_call"
	StepTypeDatabaseQuery     StepType = "database_query"
	StepTypeFileOperation     StepType = "file_operation"
	StepTypeNotification      StepType = "notification"
	StepTypeApprovalRequired  StepType = "approval_required"
	StepTypeConditionalBranch StepType = "conditional_branch"
	StepTypeManualStep        StepType = "manual_step"
	StepTypeRollbackStep      StepType = "rollback_step"
)

// StepTypes lists every known step type, in a stable order.
func StepTypes() []StepType {
	return []StepType{
		StepTypeAgentAction,
		StepTypeAPICall,
		StepTypeDatabaseQuery,
		StepTypeFileOperation,
		StepTypeNotification,
		StepTypeApprovalRequired,
		StepTypeConditionalBranch,
		StepTypeManualStep,
		StepTypeRollbackStep,
	}
}

// OnFailure controls what happens to the execution once a step has
// exhausted its retries.
type OnFailure string

const (
	OnFailureStop     OnFailure = "stop"
	OnFailureContinue OnFailure = "continue"
	OnFailureRollback OnFailure = "rollback"
)

// StepStatus is the lifecycle status of a single step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished, successfully or not.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle status of a playbook execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusApproved   ExecutionStatus = "approved"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusPaused     ExecutionStatus = "paused"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
	ExecutionStatusRolledBack ExecutionStatus = "rolled_back"
)

// Terminal reports whether the execution has reached a final status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusRolledBack:
		return true
	}
	return false
}

// StepConfig is the tagged-union payload of a PlaybookStep. Exactly one
// concrete config type corresponds to each StepType; the step executor
// dispatches on the step's Type with an exhaustive switch.
type StepConfig interface {
	stepConfig()
}

// AgentActionConfig targets an agent either directly by id or by the first
// active agent advertising the capability.
type AgentActionConfig struct {
	AgentID    string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Capability string         `json:"capability,omitempty" yaml:"capability,omitempty"`
	Action     string         `json:"action" yaml:"action"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type APICallConfig struct {
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
}

type DatabaseQueryConfig struct {
	Datasource string         `json:"datasource" yaml:"datasource"`
	Query      string         `json:"query" yaml:"query"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type FileOperationConfig struct {
	Operation string `json:"operation" yaml:"operation"` // copy, move, delete, write
	Path      string `json:"path" yaml:"path"`
	Target    string `json:"target,omitempty" yaml:"target,omitempty"`
	Content   string `json:"content,omitempty" yaml:"content,omitempty"`
}

type NotificationConfig struct {
	Channel    string   `json:"channel" yaml:"channel"` // email, slack, webhook
	Recipients []string `json:"recipients" yaml:"recipients"`
	Subject    string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Message    string   `json:"message" yaml:"message"`
}

// ApprovalConfig is for step-level approvals, distinct from the
// execution-level approval gate.
type ApprovalConfig struct {
	Approvers []string `json:"approvers" yaml:"approvers"`
	Message   string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// ConditionalBranchConfig holds a CEL expression evaluated over the
// execution variables. A false result marks the step skipped.
type ConditionalBranchConfig struct {
	Expression string `json:"expression" yaml:"expression"`
}

type ManualStepConfig struct {
	Instructions string `json:"instructions" yaml:"instructions"`
	Assignee     string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
}

// RollbackStepConfig describes a compensating action, usually referencing
// the step it undoes. Rollback steps are dispatched through the agent port.
type RollbackStepConfig struct {
	TargetStepID string         `json:"target_step_id,omitempty" yaml:"target_step_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Capability   string         `json:"capability,omitempty" yaml:"capability,omitempty"`
	Action       string         `json:"action" yaml:"action"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func (AgentActionConfig) stepConfig()       {}
func (APICallConfig) stepConfig()           {}
func (DatabaseQueryConfig) stepConfig()     {}
func (FileOperationConfig) stepConfig()     {}
func (NotificationConfig) stepConfig()      {}
func (ApprovalConfig) stepConfig()          {}
func (ConditionalBranchConfig) stepConfig() {}
func (ManualStepConfig) stepConfig()        {}
func (RollbackStepConfig) stepConfig()      {}

// PlaybookStep is a single typed unit of work within a playbook.
// Steps are immutable once the playbook is registered.
type PlaybookStep struct {
	ID                  string     `json:"id" yaml:"id"`
	Name                string     `json:"name,omitempty" yaml:"name,omitempty"`
	Type                StepType   `json:"type" yaml:"type"`
	Config              StepConfig `json:"config" yaml:"-"`
	Dependencies        []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TimeoutSeconds      int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryCount          int        `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryDelaySeconds   int        `json:"retry_delay_seconds,omitempty" yaml:"retry_delay_seconds,omitempty"`
	OnFailure           OnFailure  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	RequiredPermissions []string   `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
}

// Timeout returns the step timeout as a duration, or zero if unset.
func (s *PlaybookStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay between retry attempts.
func (s *PlaybookStep) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// TriggerType identifies what kind of event can start a playbook.
type TriggerType string

const (
	TriggerTypeManual             TriggerType = "manual"
	TriggerTypeTriageResult       TriggerType = "triage_result"
	TriggerTypeSchedule           TriggerType = "schedule"
	TriggerTypeAlert              TriggerType = "alert"
	TriggerTypeAPICall            TriggerType = "api_call"
	TriggerTypeMultimodalAnalysis TriggerType = "multimodal_analysis"
)

// PlaybookTrigger declares when a playbook should run. Condition is a CEL
// expression evaluated against the incoming event context; an empty
// condition matches every event of the trigger's type.
type PlaybookTrigger struct {
	Type                   TriggerType `json:"type" yaml:"type"`
	Condition              string      `json:"condition,omitempty" yaml:"condition,omitempty"`
	AutoExecute            bool        `json:"auto_execute" yaml:"auto_execute"`
	RequireApproval        bool        `json:"require_approval" yaml:"require_approval"`
	ApprovalTimeoutMinutes float64     `json:"approval_timeout_minutes,omitempty" yaml:"approval_timeout_minutes,omitempty"`
	Notify                 []string    `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// ApprovalTimeout returns the approval timeout as a duration.
func (t *PlaybookTrigger) ApprovalTimeout() time.Duration {
	return time.Duration(t.ApprovalTimeoutMinutes * float64(time.Minute))
}

// TriggerEvent is an opaque incoming event matched against playbook
// triggers. Context is exposed to trigger conditions as the `event`
// variable.
type TriggerEvent struct {
	Type    TriggerType    `json:"type"`
	Source  string         `json:"source,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// SafetyCheckType identifies the kind of pre-execution guard.
type SafetyCheckType string

const (
	SafetyCheckResourceLimits   SafetyCheckType = "resource_limits"
	SafetyCheckTimeWindow       SafetyCheckType = "time_window"
	SafetyCheckDependency       SafetyCheckType = "dependency_check"
	SafetyCheckImpactAssessment SafetyCheckType = "impact_assessment"
	SafetyCheckPermission       SafetyCheckType = "permission_check"
	SafetyCheckCustom           SafetyCheckType = "custom"
)

// FailAction controls what a failing safety check does to the execution.
type FailAction string

const (
	FailActionBlock FailAction = "block"
	FailActionWarn  FailAction = "warn"
	FailActionAllow FailAction = "allow"
)

// SafetyCheck is a stateless guard evaluated fresh before each execution.
// Only the fields relevant to its Type are consulted.
type SafetyCheck struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type       SafetyCheckType `json:"type" yaml:"type"`
	Severity   string          `json:"severity,omitempty" yaml:"severity,omitempty"`
	FailAction FailAction      `json:"fail_action" yaml:"fail_action"`
	Disabled   bool            `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// resource_limits
	MaxCPUPercent    float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
	MaxMemoryPercent float64 `json:"max_memory_percent,omitempty" yaml:"max_memory_percent,omitempty"`
	MaxDiskPercent   float64 `json:"max_disk_percent,omitempty" yaml:"max_disk_percent,omitempty"`

	// time_window, HH:MM in the engine's local time
	WindowStart string   `json:"window_start,omitempty" yaml:"window_start,omitempty"`
	WindowEnd   string   `json:"window_end,omitempty" yaml:"window_end,omitempty"`
	WindowDays  []string `json:"window_days,omitempty" yaml:"window_days,omitempty"`

	// dependency_check
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`

	// impact_assessment
	MaxImpactedResources int `json:"max_impacted_resources,omitempty" yaml:"max_impacted_resources,omitempty"`

	// permission_check
	RequiredPermissions []string `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`

	// custom: CEL expression over execution variables
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// SafetyCheckResult records the outcome of one safety check evaluation.
// Results are always retained on the execution, pass or fail.
type SafetyCheckResult struct {
	CheckID          string          `json:"check_id"`
	Type             SafetyCheckType `json:"type"`
	FailAction       FailAction      `json:"fail_action"`
	Passed           bool            `json:"passed"`
	Message          string          `json:"message,omitempty"`
	Details          map[string]any  `json:"details,omitempty"`
	SuggestedActions []string        `json:"suggested_actions,omitempty"`
	EvaluatedAt      time.Time       `json:"evaluated_at"`
}

// Playbook is a declarative remediation procedure: a DAG of typed steps
// plus triggers, safety checks, and a rollback plan. Playbooks are never
// mutated during execution; executions reference a registered copy.
type Playbook struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Priority    string   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Active      bool     `json:"active" yaml:"active"`

	Steps        []PlaybookStep    `json:"steps" yaml:"steps"`
	Triggers     []PlaybookTrigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	SafetyChecks []SafetyCheck     `json:"safety_checks,omitempty" yaml:"safety_checks,omitempty"`
	RollbackPlan []PlaybookStep    `json:"rollback_plan,omitempty" yaml:"rollback_plan,omitempty"`

	MaxConcurrentExecutions int      `json:"max_concurrent_executions,omitempty" yaml:"max_concurrent_executions,omitempty"`
	RequireApproval         bool     `json:"require_approval" yaml:"require_approval"`
	ApprovalRoles           []string `json:"approval_roles,omitempty" yaml:"approval_roles,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`

	// Lifecycle counters, maintained by the metrics tracker.
	ExecutionCount  int           `json:"execution_count,omitempty" yaml:"-"`
	SuccessRate     float64       `json:"success_rate,omitempty" yaml:"-"`
	AverageDuration time.Duration `json:"average_duration,omitempty" yaml:"-"`
}

// Step returns the step with the given id, or nil.
func (p *Playbook) Step(id string) *PlaybookStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the playbook. The registry hands out clones
// so callers can never mutate the registered definition.
func (p *Playbook) Clone() *Playbook {
	out := *p
	out.Tags = append([]string(nil), p.Tags...)
	out.Steps = cloneSteps(p.Steps)
	out.RollbackPlan = cloneSteps(p.RollbackPlan)
	out.Triggers = make([]PlaybookTrigger, len(p.Triggers))
	for i, t := range p.Triggers {
		out.Triggers[i] = t
		out.Triggers[i].Notify = append([]string(nil), t.Notify...)
	}
	out.SafetyChecks = make([]SafetyCheck, len(p.SafetyChecks))
	for i, c := range p.SafetyChecks {
		out.SafetyChecks[i] = c
		out.SafetyChecks[i].WindowDays = append([]string(nil), c.WindowDays...)
		out.SafetyChecks[i].Services = append([]string(nil), c.Services...)
		out.SafetyChecks[i].RequiredPermissions = append([]string(nil), c.RequiredPermissions...)
	}
	out.ApprovalRoles = append([]string(nil), p.ApprovalRoles...)
	return &out
}

func cloneSteps(steps []PlaybookStep) []PlaybookStep {
	if steps == nil {
		return nil
	}
	out := make([]PlaybookStep, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].Dependencies = append([]string(nil), s.Dependencies...)
		out[i].RequiredPermissions = append([]string(nil), s.RequiredPermissions...)
	}
	return out
}

// StepResult tracks one step's runtime outcome within an execution.
// It is written only by the scheduler goroutine that owns the step.
type StepResult struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
	SkipReason  string         `json:"skip_reason,omitempty"`
}

// Execution is the only mutable per-run entity: one runtime instance of a
// playbook, owned exclusively by the scheduler for its lifetime.
type Execution struct {
	ID           string          `json:"id"`
	PlaybookID   string          `json:"playbook_id"`
	PlaybookName string          `json:"playbook_name,omitempty"`
	Status       ExecutionStatus `json:"status"`
	TriggeredBy  string          `json:"triggered_by,omitempty"`
	TriggerType  TriggerType     `json:"trigger_type,omitempty"`

	Progress    float64                `json:"progress"`
	StepResults map[string]*StepResult `json:"step_results,omitempty"`
	Variables   map[string]any         `json:"variables,omitempty"`

	Approver     string `json:"approver,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
	Error        string `json:"error,omitempty"`

	SafetyCheckResults []SafetyCheckResult `json:"safety_check_results,omitempty"`
	RollbackActions    []string            `json:"rollback_actions,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the wall-clock execution time, or zero if it never started.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// Clone returns a deep copy of the execution for safe hand-off to callers.
func (e *Execution) Clone() *Execution {
	out := *e
	out.StepResults = make(map[string]*StepResult, len(e.StepResults))
	for id, r := range e.StepResults {
		rc := *r
		out.StepResults[id] = &rc
	}
	out.Variables = make(map[string]any, len(e.Variables))
	for k, v := range e.Variables {
		out.Variables[k] = v
	}
	out.SafetyCheckResults = append([]SafetyCheckResult(nil), e.SafetyCheckResults...)
	out.RollbackActions = append([]string(nil), e.RollbackActions...)
	return &out
}

// PlaybookFilter selects playbooks in registry list queries. Zero-value
// fields are ignored.
type PlaybookFilter struct {
	Category string
	Tag      string
	Author   string
	Active   *bool
}

// Matches reports whether the playbook satisfies every set filter field.
func (f PlaybookFilter) Matches(p *Playbook) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Author != "" && p.Author != f.Author {
		return false
	}
	if f.Active != nil && p.Active != *f.Active {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range p.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExecutionFilter selects executions in engine/store list queries.
type ExecutionFilter struct {
	PlaybookID  string
	Status      ExecutionStatus
	TriggeredBy string
	Since       *time.Time
	Until       *time.Time
}

// Matches reports whether the execution satisfies every set filter field.
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.PlaybookID != "" && e.PlaybookID != f.PlaybookID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TriggeredBy != "" && e.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}
