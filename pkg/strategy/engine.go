// Package strategy implements the Adaptive Strategy Engine (spec.md §4.5):
// it produces a StrategyPlan for a new orchestration and can revise that
// plan mid-run in response to observed stage outcomes.
//
// Grounded on original_source/backend/scripts_automation/app/services/
// scan_logic/adaptive_scan_engine.py for the candidate-generation /
// weighted-scoring / fallback-on-exception shape, translated into the
// teacher's strategy-selection idiom (compare
// KhryptorGraphics-OllamaMax/ollama-distributed's load-balancing strategy
// selection in pkg/scheduler/engine.go, which scores candidate nodes by a
// weighted sum of factors before picking one).
package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// Weights configures the candidate-plan scoring function (SPEC_FULL.md §C).
// A zero value passed to New is replaced by DefaultWeights; main.go builds
// it from internal/config.StrategyConfig.
type Weights struct {
	Performance float64
	ResourceFit float64
	Risk        float64
	Confidence  float64
}

// DefaultWeights mirrors internal/config.Defaults().Strategy, for callers
// (and tests) that don't wire a config.Config through.
func DefaultWeights() Weights {
	return Weights{Performance: 0.35, ResourceFit: 0.30, Risk: 0.20, Confidence: 0.15}
}

// Features describes the request the Engine is planning for.
type Features struct {
	Type              orchtypes.OrchestrationType
	Priority          orchtypes.Priority
	TargetCount       int
	HistoricalAvgCost float64
	SystemLoad        float64 // 0..1, aggregate broker utilization
}

// Forecast is a Predictor's estimate for a single candidate plan.
type Forecast struct {
	ExpectedDuration time.Duration
	Confidence       float64 // 0..1
}

// Predictor forecasts plan outcomes. The only implementations shipped here
// are heuristic; no learned/RL predictor is part of this core (an Open
// Question resolution — see SPEC_FULL.md §D). A deployment may still
// implement Predictor against an external model service.
type Predictor interface {
	Predict(ctx context.Context, features Features, candidate orchtypes.StrategyPlan) (Forecast, error)
}

// NullPredictor always returns a zero-confidence forecast, forcing the
// Engine's scoring to fall back on resource-fit and risk alone. Useful
// when no historical data exists yet.
type NullPredictor struct{}

func (NullPredictor) Predict(context.Context, Features, orchtypes.StrategyPlan) (Forecast, error) {
	return Forecast{ExpectedDuration: 0, Confidence: 0}, nil
}

// HeuristicPredictor forecasts duration by scaling a historical average
// cost by the candidate's parallelism, and derives confidence from how much
// history backs the estimate.
type HeuristicPredictor struct {
	// SamplesSeen lets callers report how many historical runs informed
	// HistoricalAvgCost; more samples raise confidence up to a ceiling.
	SamplesSeen int
}

func (h HeuristicPredictor) Predict(_ context.Context, features Features, candidate orchtypes.StrategyPlan) (Forecast, error) {
	parallelism := candidate.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	estimate := features.HistoricalAvgCost * float64(features.TargetCount) / float64(parallelism)

	confidence := float64(h.SamplesSeen) / 20.0
	if confidence > 0.9 {
		confidence = 0.9
	}

	return Forecast{
		ExpectedDuration: time.Duration(estimate) * time.Second,
		Confidence:       confidence,
	}, nil
}

// Engine selects and adapts StrategyPlans.
type Engine struct {
	predictor Predictor
	weights   Weights
	logger    zerolog.Logger
}

// New returns an Engine. A nil predictor defaults to NullPredictor. A zero
// Weights (all fields 0) defaults to DefaultWeights so a caller that forgets
// to wire config.StrategyConfig still gets a usable scorer rather than an
// Engine that scores every candidate 0.
func New(predictor Predictor, weights Weights, logger zerolog.Logger) *Engine {
	if predictor == nil {
		predictor = NullPredictor{}
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Engine{predictor: predictor, weights: weights, logger: logger.With().Str("component", "strategy_engine").Logger()}
}

// candidates returns the three fixed candidate plans the Engine always
// considers (aggressive, adaptive, conservative), parameterized by the
// request's target count.
func candidates(features Features) []orchtypes.StrategyPlan {
	targets := features.TargetCount
	if targets < 1 {
		targets = 1
	}

	aggressive := minInt(targets, 16)
	adaptive := minInt(targets, 8)
	conservative := minInt(targets, 2)

	return []orchtypes.StrategyPlan{
		{
			Class:           orchtypes.StrategyAggressive,
			Parallelism:     aggressive,
			BatchSize:       maxInt(targets/4, 1),
			ScanDepth:       3,
			PerStageTimeout: 2 * time.Minute,
			OverallTimeout:  30 * time.Minute,
			// Deep, highly parallel scans lean on CPU and network concurrency
			// (spec.md §4.5's resource_request, one entry per pool type).
			ResourceRequest: map[orchtypes.PoolType]float64{
				orchtypes.PoolCPU:     float64(aggressive) * 0.5,
				orchtypes.PoolNetwork: float64(aggressive) * 0.3,
				orchtypes.PoolIO:      float64(aggressive) * 0.2,
			},
		},
		{
			Class:           orchtypes.StrategyAdaptive,
			Parallelism:     adaptive,
			BatchSize:       maxInt(targets/8, 1),
			ScanDepth:       2,
			PerStageTimeout: 5 * time.Minute,
			OverallTimeout:  60 * time.Minute,
			ResourceRequest: map[orchtypes.PoolType]float64{
				orchtypes.PoolCPU:     float64(adaptive) * 0.3,
				orchtypes.PoolNetwork: float64(adaptive) * 0.2,
				orchtypes.PoolIO:      float64(adaptive) * 0.2,
			},
		},
		{
			Class:           orchtypes.StrategyConservative,
			Parallelism:     conservative,
			BatchSize:       1,
			ScanDepth:       1,
			PerStageTimeout: 10 * time.Minute,
			OverallTimeout:  120 * time.Minute,
			// Shallow, low-concurrency scans still reserve a minimal CPU
			// share so the Broker's accounting covers every running class.
			ResourceRequest: map[orchtypes.PoolType]float64{
				orchtypes.PoolCPU: float64(conservative) * 0.1,
			},
		},
	}
}

// conservativePlan is the Engine's fallback when scoring itself fails —
// mirroring adaptive_scan_engine.py's except-block behavior of degrading to
// the safest known configuration rather than propagating the exception.
func conservativePlan(features Features) orchtypes.StrategyPlan {
	for _, c := range candidates(features) {
		if c.Class == orchtypes.StrategyConservative {
			c.ConfidenceScore = 0
			return c
		}
	}
	return orchtypes.StrategyPlan{Class: orchtypes.StrategyConservative, Parallelism: 1, BatchSize: 1, ScanDepth: 1, PerStageTimeout: 10 * time.Minute, OverallTimeout: 120 * time.Minute}
}

// Select scores each candidate plan and returns the best one. On any
// Predictor error it falls back to the conservative plan rather than
// failing the orchestration request.
func (e *Engine) Select(ctx context.Context, features Features) orchtypes.StrategyPlan {
	var best orchtypes.StrategyPlan
	bestScore := -1.0

	for _, candidate := range candidates(features) {
		forecast, err := e.predictor.Predict(ctx, features, candidate)
		if err != nil {
			e.logger.Warn().Err(err).Str("class", string(candidate.Class)).Msg("predictor failed, falling back to conservative plan")
			return conservativePlan(features)
		}

		score := e.score(features, candidate, forecast)
		candidate.ConfidenceScore = forecast.Confidence
		candidate.ExpectedDuration = forecast.ExpectedDuration

		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}

	return best
}

// score combines performance, resource fit, risk and predictor confidence
// into the weighted sum the Engine ranks candidates by.
func (e *Engine) score(features Features, candidate orchtypes.StrategyPlan, forecast Forecast) float64 {
	performance := performanceScore(candidate, forecast)
	resourceFit := resourceFitScore(features, candidate)
	risk := riskScore(candidate)

	return e.weights.Performance*performance +
		e.weights.ResourceFit*resourceFit +
		e.weights.Risk*risk +
		e.weights.Confidence*forecast.Confidence
}

// performanceScore favors shorter expected durations, normalized against
// the overall timeout so the score stays in [0, 1].
func performanceScore(candidate orchtypes.StrategyPlan, forecast Forecast) float64 {
	if candidate.OverallTimeout <= 0 {
		return 0.5
	}
	if forecast.ExpectedDuration <= 0 {
		return 0.5 // no estimate available; treat as neutral
	}
	ratio := float64(forecast.ExpectedDuration) / float64(candidate.OverallTimeout)
	score := 1 - ratio
	return clamp01(score)
}

// resourceFitScore penalizes candidates whose parallelism would push
// system load past capacity.
func resourceFitScore(features Features, candidate orchtypes.StrategyPlan) float64 {
	projectedLoad := features.SystemLoad + float64(candidate.Parallelism)*0.02
	return clamp01(1 - projectedLoad)
}

// riskScore gives each plan class a fixed risk score: conservative 0.9,
// adaptive 0.6, aggressive 0.3 (0.5 for any other class). The request's
// priority does not affect it.
func riskScore(candidate orchtypes.StrategyPlan) float64 {
	switch candidate.Class {
	case orchtypes.StrategyConservative:
		return 0.9
	case orchtypes.StrategyAdaptive:
		return 0.6
	case orchtypes.StrategyAggressive:
		return 0.3
	default:
		return 0.5
	}
}

// Adapt revises an in-flight plan based on observed stage failures. A
// failure rate exceeding 25% degrades the plan one step toward
// conservative (spec.md §4.5 "adapt after stage completion").
func (e *Engine) Adapt(current orchtypes.StrategyPlan, stagesSucceeded, stagesFailed int) orchtypes.StrategyPlan {
	total := stagesSucceeded + stagesFailed
	if total == 0 {
		return current
	}
	failureRate := float64(stagesFailed) / float64(total)
	if failureRate <= 0.25 {
		return current
	}

	degraded := current
	switch current.Class {
	case orchtypes.StrategyAggressive:
		degraded.Class = orchtypes.StrategyAdaptive
		degraded.Parallelism = maxInt(current.Parallelism/2, 1)
	case orchtypes.StrategyAdaptive:
		degraded.Class = orchtypes.StrategyConservative
		degraded.Parallelism = 1
		degraded.BatchSize = 1
	}
	e.logger.Info().Float64("failure_rate", failureRate).Str("to_class", string(degraded.Class)).Msg("degrading strategy after sustained stage failures")
	return degraded
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
