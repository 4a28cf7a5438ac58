// SPDX-License-Identifier: Apache-2.0

// Package registry stores playbook definitions and validates their step
// graphs, step configs, and expressions before they can ever execute.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kusari-oss/runbook/internal/condition"
	"github.com/kusari-oss/runbook/internal/core/graph"
	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/core/schema"
	"github.com/kusari-oss/runbook/internal/events"
)

// ErrNotFound is returned when a playbook id is unknown.
var ErrNotFound = errors.New("registry: playbook not found")

// Registry is the CRUD store for playbook definitions. Reads are
// concurrent; writes take the write lock. Registered playbooks are
// immutable: Get and List return deep copies, and executions run against a
// clone taken at start time.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*models.Playbook

	bus    *events.Bus
	cond   *condition.Evaluator
	logger *slog.Logger
}

// New creates a registry. The bus may be nil when no observers are wired
// (CLI one-shot use).
func New(bus *events.Bus, cond *condition.Evaluator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		playbooks: make(map[string]*models.Playbook),
		bus:       bus,
		cond:      cond,
		logger:    logger,
	}
}

// Create validates and stores a playbook definition. An id is assigned if
// the definition has none. Graph violations surface as *graph.GraphError.
func (r *Registry) Create(ctx context.Context, pb models.Playbook) (*models.Playbook, error) {
	if err := r.validate(&pb); err != nil {
		return nil, err
	}

	if pb.ID == "" {
		pb.ID = uuid.NewString()
	}
	if pb.MaxConcurrentExecutions <= 0 {
		pb.MaxConcurrentExecutions = 1
	}
	now := time.Now()
	pb.CreatedAt = now
	pb.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.playbooks[pb.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: playbook %q already exists", pb.ID)
	}
	stored := pb.Clone()
	r.playbooks[pb.ID] = stored
	r.mu.Unlock()

	r.logger.Info("playbook created", "playbook_id", pb.ID, "name", pb.Name)
	r.emit(ctx, events.PlaybookCreated, stored)
	return stored.Clone(), nil
}

// Update replaces a playbook definition, re-validating the graph. Lifecycle
// counters and creation time from the stored playbook are preserved.
func (r *Registry) Update(ctx context.Context, id string, pb models.Playbook) (*models.Playbook, error) {
	if err := r.validate(&pb); err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.playbooks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}

	pb.ID = id
	if pb.MaxConcurrentExecutions <= 0 {
		pb.MaxConcurrentExecutions = 1
	}
	pb.CreatedAt = existing.CreatedAt
	pb.UpdatedAt = time.Now()
	pb.ExecutionCount = existing.ExecutionCount
	pb.SuccessRate = existing.SuccessRate
	pb.AverageDuration = existing.AverageDuration

	stored := pb.Clone()
	r.playbooks[id] = stored
	r.mu.Unlock()

	r.logger.Info("playbook updated", "playbook_id", id, "name", pb.Name)
	r.emit(ctx, events.PlaybookUpdated, stored)
	return stored.Clone(), nil
}

// Delete removes a playbook definition.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	pb, ok := r.playbooks[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.playbooks, id)
	r.mu.Unlock()

	r.logger.Info("playbook deleted", "playbook_id", id)
	r.emit(ctx, events.PlaybookDeleted, pb)
	return nil
}

// Get returns a copy of the playbook with the given id.
func (r *Registry) Get(id string) (*models.Playbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pb, ok := r.playbooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pb.Clone(), nil
}

// List returns copies of all playbooks matching the filter.
func (r *Registry) List(filter models.PlaybookFilter) []*models.Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Playbook
	for _, pb := range r.playbooks {
		if filter.Matches(pb) {
			out = append(out, pb.Clone())
		}
	}
	return out
}

// RecordOutcome folds one terminal execution into the playbook's lifecycle
// counters, using rolling averages.
func (r *Registry) RecordOutcome(id string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pb, ok := r.playbooks[id]
	if !ok {
		return
	}

	n := float64(pb.ExecutionCount)
	successes := pb.SuccessRate * n
	if success {
		successes++
	}
	total := time.Duration(float64(pb.AverageDuration) * n)

	pb.ExecutionCount++
	pb.SuccessRate = successes / float64(pb.ExecutionCount)
	pb.AverageDuration = (total + duration) / time.Duration(pb.ExecutionCount)
}

// validate checks everything that must hold before a definition is
// accepted: a well-formed step graph, valid per-type step configs, and
// parseable CEL expressions in triggers and custom safety checks.
func (r *Registry) validate(pb *models.Playbook) error {
	if pb.Name == "" {
		return fmt.Errorf("registry: playbook name is required")
	}

	if err := graph.Validate(pb.Steps); err != nil {
		return err
	}

	for _, step := range pb.Steps {
		if err := schema.ValidateStep(step); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}
	for _, step := range pb.RollbackPlan {
		if err := schema.ValidateStep(step); err != nil {
			return fmt.Errorf("registry: rollback plan: %w", err)
		}
	}

	if r.cond != nil {
		for _, step := range pb.Steps {
			if cfg, ok := step.Config.(*models.ConditionalBranchConfig); ok {
				if err := r.cond.Check(cfg.Expression); err != nil {
					return fmt.Errorf("registry: step %q condition: %w", step.ID, err)
				}
			}
		}
		for i, trig := range pb.Triggers {
			if trig.Condition == "" {
				continue
			}
			if err := r.cond.Check(trig.Condition); err != nil {
				return fmt.Errorf("registry: trigger %d condition: %w", i, err)
			}
		}
		for _, check := range pb.SafetyChecks {
			if check.Type == models.SafetyCheckCustom && check.Expression != "" {
				if err := r.cond.Check(check.Expression); err != nil {
					return fmt.Errorf("registry: safety check %q expression: %w", check.ID, err)
				}
			}
		}
	}

	return nil
}

func (r *Registry) emit(ctx context.Context, t events.Type, pb *models.Playbook) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, events.Event{
		Type:       t,
		PlaybookID: pb.ID,
		Payload: map[string]any{
			"name":     pb.Name,
			"category": pb.Category,
			"author":   pb.Author,
		},
	})
}
