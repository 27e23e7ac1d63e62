package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/capassure/capcore/pkg/caperrors"
)

// Evaluator evaluates an IR's adaptivity predicates against a context map
// and reports which rule_ids are active. Programs are compiled once per
// expression and cached, since the same IR is evaluated repeatedly across
// manifest builds.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator builds a CEL environment exposing a single dynamic
// "context" variable, the evidence bag adaptivity predicates inspect.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(cel.Variable("context", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// ActiveRules returns the set of rule_ids this IR should enforce given
// ctx. Absent an adaptivity block, every rule in the IR is active.
func (e *Evaluator) ActiveRules(ir IR, ctx map[string]interface{}) (map[string]bool, error) {
	active := make(map[string]bool, len(ir.Rules))
	for _, r := range ir.Rules {
		active[r.RuleID] = true
	}
	if ir.Adaptivity == nil {
		return active, nil
	}

	satisfied := make(map[string]bool, len(ir.Adaptivity.Predicates))
	for _, p := range ir.Adaptivity.Predicates {
		ok, err := e.eval(p.Expression, ctx)
		if err != nil {
			return nil, caperrors.Domain("policy: predicate %q: %v", p.PredicateID, err)
		}
		satisfied[p.PredicateID] = ok
	}

	for _, a := range ir.Adaptivity.Activations {
		if !satisfied[a.PredicateID] {
			for _, ruleID := range a.RuleIDs {
				active[ruleID] = false
			}
		}
	}

	return active, nil
}

func (e *Evaluator) eval(expr string, ctx map[string]interface{}) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{"context": ctx})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate did not evaluate to bool")
	}
	return val, nil
}
