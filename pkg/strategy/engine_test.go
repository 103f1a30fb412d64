package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

func TestSelectReturnsOneOfTheThreeCandidateClasses(t *testing.T) {
	e := New(HeuristicPredictor{SamplesSeen: 10}, DefaultWeights(), zerolog.Nop())
	plan := e.Select(context.Background(), Features{Type: orchtypes.TypeComprehensive, TargetCount: 100, HistoricalAvgCost: 1})

	assert.Contains(t, []orchtypes.StrategyClass{
		orchtypes.StrategyAggressive, orchtypes.StrategyAdaptive, orchtypes.StrategyConservative,
	}, plan.Class)
}

func TestSelectFallsBackToConservativeOnPredictorError(t *testing.T) {
	failing := predictorFunc(func(context.Context, Features, orchtypes.StrategyPlan) (Forecast, error) {
		return Forecast{}, errors.New("model unavailable")
	})
	e := New(failing, DefaultWeights(), zerolog.Nop())
	plan := e.Select(context.Background(), Features{TargetCount: 10})

	assert.Equal(t, orchtypes.StrategyConservative, plan.Class)
}

func TestSelectUnderHighSystemLoadPrefersLessParallelism(t *testing.T) {
	e := New(NullPredictor{}, DefaultWeights(), zerolog.Nop())

	lowLoad := e.Select(context.Background(), Features{TargetCount: 100, SystemLoad: 0.0})
	highLoad := e.Select(context.Background(), Features{TargetCount: 100, SystemLoad: 0.95})

	assert.LessOrEqual(t, highLoad.Parallelism, lowLoad.Parallelism)
}

func TestAdaptDegradesAfterSustainedFailures(t *testing.T) {
	e := New(NullPredictor{}, DefaultWeights(), zerolog.Nop())
	current := orchtypes.StrategyPlan{Class: orchtypes.StrategyAggressive, Parallelism: 10}

	degraded := e.Adapt(current, 2, 8) // 80% failure rate
	assert.Equal(t, orchtypes.StrategyAdaptive, degraded.Class)
	assert.Less(t, degraded.Parallelism, current.Parallelism)
}

func TestAdaptLeavesPlanAloneUnderLowFailureRate(t *testing.T) {
	e := New(NullPredictor{}, DefaultWeights(), zerolog.Nop())
	current := orchtypes.StrategyPlan{Class: orchtypes.StrategyAggressive, Parallelism: 10}

	same := e.Adapt(current, 9, 1) // 10% failure rate
	assert.Equal(t, current.Class, same.Class)
	assert.Equal(t, current.Parallelism, same.Parallelism)
}

func TestHeuristicPredictorConfidenceGrowsWithSamples(t *testing.T) {
	few := HeuristicPredictor{SamplesSeen: 1}
	many := HeuristicPredictor{SamplesSeen: 20}

	fewForecast, _ := few.Predict(context.Background(), Features{TargetCount: 5, HistoricalAvgCost: 10}, orchtypes.StrategyPlan{Parallelism: 1})
	manyForecast, _ := many.Predict(context.Background(), Features{TargetCount: 5, HistoricalAvgCost: 10}, orchtypes.StrategyPlan{Parallelism: 1})

	assert.Less(t, fewForecast.Confidence, manyForecast.Confidence)
}

func TestHeuristicPredictorExpectedDurationScalesInverselyWithParallelism(t *testing.T) {
	p := HeuristicPredictor{SamplesSeen: 10}
	features := Features{TargetCount: 100, HistoricalAvgCost: 1}

	serial, _ := p.Predict(context.Background(), features, orchtypes.StrategyPlan{Parallelism: 1})
	parallel, _ := p.Predict(context.Background(), features, orchtypes.StrategyPlan{Parallelism: 10})

	assert.Greater(t, serial.ExpectedDuration, parallel.ExpectedDuration)
	assert.Greater(t, serial.ExpectedDuration, time.Duration(0))
}

func TestCandidatePlansPopulateResourceRequestPerPoolType(t *testing.T) {
	e := New(NullPredictor{}, DefaultWeights(), zerolog.Nop())
	plan := e.Select(context.Background(), Features{TargetCount: 50})

	assert.NotEmpty(t, plan.ResourceRequest, "every candidate class must reserve at least one typed pool")
	assert.Contains(t, plan.ResourceRequest, orchtypes.PoolCPU)
	for pool, amount := range plan.ResourceRequest {
		assert.Greaterf(t, amount, 0.0, "pool %s", pool)
	}
}

func TestZeroWeightsFallBackToDefaults(t *testing.T) {
	e := New(NullPredictor{}, Weights{}, zerolog.Nop())
	assert.Equal(t, DefaultWeights(), e.weights)
}

type predictorFunc func(ctx context.Context, features Features, candidate orchtypes.StrategyPlan) (Forecast, error)

func (f predictorFunc) Predict(ctx context.Context, features Features, candidate orchtypes.StrategyPlan) (Forecast, error) {
	return f(ctx, features, candidate)
}
