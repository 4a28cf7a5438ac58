// SPDX-License-Identifier: Apache-2.0

// Package graph validates playbook step graphs: every dependency must
// reference a step in the same playbook and the dependency relation must be
// acyclic. Validation runs at registry time so the scheduler can treat a
// blocked frontier as a defect rather than an expected condition.
package graph

import (
	"fmt"
	"strings"

	"github.com/kusari-oss/runbook/internal/core/models"
)

// Error codes for graph validation failures.
const (
	CodeEmpty              = "empty"
	CodeDuplicateStep      = "duplicate_step"
	CodeDanglingDependency = "dangling_dependency"
	CodeCycle              = "cycle"
	CodeSelfDependency     = "self_dependency"
)

// GraphError reports a structural problem with a step graph. It is fatal to
// the registry create/update call that produced it.
type GraphError struct {
	Code    string
	Message string
	// Cycle holds the offending path for CodeCycle, in dependency order.
	Cycle []string
}

func (e *GraphError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validate checks a step graph for well-formedness. It returns a *GraphError
// describing the first problem found: duplicate step ids, dependencies on
// missing steps, self-dependencies, or cycles.
func Validate(steps []models.PlaybookStep) error {
	if len(steps) == 0 {
		return &GraphError{Code: CodeEmpty, Message: "playbook must contain at least one step"}
	}

	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return &GraphError{Code: CodeDuplicateStep, Message: "step id cannot be empty"}
		}
		if ids[s.ID] {
			return &GraphError{Code: CodeDuplicateStep, Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		ids[s.ID] = true
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return &GraphError{Code: CodeSelfDependency, Message: fmt.Sprintf("step %q depends on itself", s.ID)}
			}
			if !ids[dep] {
				return &GraphError{
					Code:    CodeDanglingDependency,
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep),
				}
			}
		}
	}

	if cycle := findCycle(steps); len(cycle) > 0 {
		return &GraphError{
			Code:    CodeCycle,
			Message: "dependency cycle detected",
			Cycle:   cycle,
		}
	}

	return nil
}

// findCycle runs a depth-first search with three-color marking over the
// dependency edges. White = unvisited, gray = on the current path,
// black = fully explored. A gray-to-gray edge is a back edge; the cycle
// path is reconstructed through the parent map.
func findCycle(steps []models.PlaybookStep) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	deps := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.Dependencies
		order = append(order, s.ID)
	}

	color := make(map[string]int, len(steps))
	parent := make(map[string]string, len(steps))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case white:
				parent[dep] = id
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				cycle := []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				return append([]string{dep}, cycle...)
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range order {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Waves computes the topological execution waves of a valid step graph:
// wave 0 holds steps with no dependencies, wave N holds steps whose
// dependencies all appear in earlier waves. It mirrors how the scheduler
// dispatches at run time and is used by the CLI to display a plan.
func Waves(steps []models.PlaybookStep) ([][]string, error) {
	if err := Validate(steps); err != nil {
		return nil, err
	}

	remaining := make(map[string][]string, len(steps))
	for _, s := range steps {
		remaining[s.ID] = s.Dependencies
	}
	done := make(map[string]bool, len(steps))

	var waves [][]string
	for len(remaining) > 0 {
		var wave []string
		for _, s := range steps {
			if _, ok := remaining[s.ID]; !ok {
				continue
			}
			ready := true
			for _, dep := range remaining[s.ID] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s.ID)
			}
		}
		if len(wave) == 0 {
			// Unreachable after Validate, kept as a guard.
			return nil, &GraphError{Code: CodeCycle, Message: "no progress computing waves"}
		}
		for _, id := range wave {
			done[id] = true
			delete(remaining, id)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
