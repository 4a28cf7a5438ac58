// SPDX-License-Identifier: Apache-2.0

// Package condition evaluates CEL expressions for conditional branches,
// trigger matching, and custom safety checks.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
)

// Evaluator compiles and evaluates boolean CEL expressions. Expressions see
// two variables: `vars` (the execution's variables) and `event` (the
// trigger event context, empty outside trigger matching). Compiled programs
// are cached, so repeated evaluation of the same expression is cheap.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an Evaluator with the standard CEL environment plus
// the engine's variables declared.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Eval evaluates an expression against the given variable maps and returns
// its boolean result. Expressions that do not evaluate to a boolean are an
// error.
func (e *Evaluator) Eval(expression string, vars, event map[string]any) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	if vars == nil {
		vars = map[string]any{}
	}
	if event == nil {
		event = map[string]any{}
	}

	result, _, err := program.Eval(map[string]any{
		"vars":  vars,
		"event": event,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating expression: %w", err)
	}

	if result.Type() != celtypes.BoolType {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean", expression)
	}
	return result.Value().(bool), nil
}

// Check parses and type-checks an expression without evaluating it, for
// registry-time validation of conditions.
func (e *Evaluator) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	ast, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error parsing expression: %w", issues.Err())
	}

	checked, issues := e.env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error type-checking expression: %w", issues.Err())
	}

	program, err := e.env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("error compiling expression: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()

	return program, nil
}
