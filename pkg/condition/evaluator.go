// Package condition evaluates the predicate expressions carried by
// Stage.Conditions and DependencyEdge.Condition (spec.md §3) against an
// orchestration's accumulated output scope.
//
// Predicates are small JavaScript boolean expressions evaluated in a fresh
// goja runtime per call, the way
// r3e-network-service_layer's
// system/tee script engine isolates each script execution in its own VM.
package condition

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Evaluator evaluates predicate expressions over a scope of prior stage
// outputs. A zero Evaluator is ready to use.
type Evaluator struct {
	Timeout time.Duration
}

// New returns an Evaluator with a sane default timeout.
func New() *Evaluator {
	return &Evaluator{Timeout: 50 * time.Millisecond}
}

// Scope is the set of bindings made available to a predicate: one entry per
// upstream stage id, holding that stage's Outputs map. Predicates reference
// a stage's outputs as stages["<stage-id>"].<field>, since stage ids are
// opaque and may not be legal JS identifiers.
type Scope map[string]map[string]any

// Eval runs expr against scope and returns its boolean result. An empty
// expression is vacuously true, per spec.md's Stage invariant ("conditions
// evaluate true against the orchestration's output scope" — the default,
// absent any condition, holds).
func (e *Evaluator) Eval(expr string, scope Scope) (bool, error) {
	if expr == "" {
		return true, nil
	}

	vm := goja.New()

	bound := make(map[string]map[string]any, len(scope))
	for stageID, outputs := range scope {
		bound[stageID] = outputs
	}
	if err := vm.Set("stages", bound); err != nil {
		return false, fmt.Errorf("condition: bind scope: %w", err)
	}

	timer := time.AfterFunc(e.timeout(), func() {
		vm.Interrupt("condition evaluation timed out")
	})
	defer timer.Stop()

	v, err := vm.RunString(expr)
	if err != nil {
		return false, fmt.Errorf("condition: evaluate %q: %w", expr, err)
	}
	return v.ToBoolean(), nil
}

func (e *Evaluator) timeout() time.Duration {
	if e.Timeout <= 0 {
		return 50 * time.Millisecond
	}
	return e.Timeout
}
