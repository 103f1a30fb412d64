// Package scanop is the outbound ScanOperation port (spec.md §6): the
// registry of scan capabilities the Orchestrator dispatches stages to. The
// core never parses schemas or profiles data itself — it only invokes
// registered operations and classifies their outcomes.
//
// Registration follows the teacher's tagged-variant plugin pattern (compare
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/scheduler's
// algorithm-by-name dispatch in LoadBalancer.SelectNode): operations
// register by a type string, looked up at dispatch time.
package scanop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
)

// Outcome is what a ScanOperation invocation returns.
type Outcome struct {
	Outputs   map[string]any
	Retryable bool // classifies a non-nil Err as retryable vs. fatal
}

// Operation is the capability implementers register. Invoke must honor
// cancellation promptly at its suspension points (spec.md §5).
type Operation interface {
	Invoke(ctx context.Context, inputs map[string]any) (Outcome, error)
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, inputs map[string]any) (Outcome, error)

func (f OperationFunc) Invoke(ctx context.Context, inputs map[string]any) (Outcome, error) {
	return f(ctx, inputs)
}

// Registry holds registered operation types and dispatches to them, each
// behind its own circuit breaker so a systematically failing operation type
// fails fast instead of burning worker-pool capacity retrying it.
type Registry struct {
	mu         sync.RWMutex
	operations map[string]Operation
	breakers   map[string]*gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		operations: make(map[string]Operation),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		logger:     logger.With().Str("component", "scanop_registry").Logger(),
	}
}

// Register adds an operation under the given type name, replacing any
// previous registration for that name.
func (r *Registry) Register(opType string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[opType] = op
	r.breakers[opType] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opType,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().Str("operation_type", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// Invoke dispatches to the operation registered for opType. A breaker open
// for opType surfaces as StageRetryable (the breaker will half-open on its
// own timer); an unregistered type is StageFatal since no retry can help.
func (r *Registry) Invoke(ctx context.Context, stageID, opType string, inputs map[string]any) (Outcome, error) {
	r.mu.RLock()
	op, ok := r.operations[opType]
	breaker := r.breakers[opType]
	r.mu.RUnlock()

	if !ok {
		return Outcome{}, orcherrors.StageFatal("Registry.Invoke", stageID, fmt.Errorf("unregistered scan operation type %q", opType))
	}

	result, err := breaker.Execute(func() (any, error) {
		o, invokeErr := op.Invoke(ctx, inputs)
		if invokeErr != nil {
			return o, invokeErr
		}
		return o, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Outcome{}, orcherrors.StageRetryable("Registry.Invoke", stageID, err)
		}
		if oc, ok := result.(Outcome); ok && oc.Retryable {
			return Outcome{}, orcherrors.StageRetryable("Registry.Invoke", stageID, err)
		}
		return Outcome{}, orcherrors.StageFatal("Registry.Invoke", stageID, err)
	}

	oc, _ := result.(Outcome)
	return oc, nil
}

// Registered reports whether opType has a registered implementation.
func (r *Registry) Registered(opType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.operations[opType]
	return ok
}
