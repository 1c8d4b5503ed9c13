// Package exprutil bounds github.com/expr-lang/expr to condition
// expressions: boolean predicates via EvalBool (trigger, Control/Condition
// and Loop conditions, state transition guards) and the Control/Switch condition via
// Eval, whose raw result selects a case. It is never handed an
// arbitrary workflow-authored script, and it never participates in
// ${...} reference-expression resolution (internal/coordinator/refexpr.go
// is the hand-rolled evaluator for that). Grounded on mbflow's
// internal/application/executor/conditions.go ConditionEvaluator, which
// compiles and caches expr-lang programs behind a mutex-protected cache.
package exprutil

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches boolean predicate programs keyed by their
// source text, exactly as mbflow's ConditionEvaluator does.
type Evaluator struct {
	mu      sync.RWMutex
	cache   map[string]*vm.Program
	enabled bool
}

func NewEvaluator(enableCache bool) *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program), enabled: enableCache}
}

// EvalBool compiles (or fetches from cache) `condition` and runs it against
// `vars`, coercing the result to bool. A non-bool result is a validation
// error the caller should surface, not a silent false.
func (e *Evaluator) EvalBool(condition string, vars map[string]any) (bool, error) {
	program, err := e.compile(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, &evalTypeError{condition: condition}
	}
	return b, nil
}

// Eval compiles and runs `expression`, returning its raw result — used for
// Control/Switch, where the result is compared against each branch's `case`
// rather than interpreted as a boolean.
func (e *Evaluator) Eval(expression string, vars map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, vars)
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	if e.enabled {
		e.mu.RLock()
		p, ok := e.cache[source]
		e.mu.RUnlock()
		if ok {
			return p, nil
		}
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	if e.enabled {
		e.mu.Lock()
		e.cache[source] = program
		e.mu.Unlock()
	}
	return program, nil
}

type evalTypeError struct{ condition string }

func (e *evalTypeError) Error() string {
	return "condition did not evaluate to a bool: " + e.condition
}
