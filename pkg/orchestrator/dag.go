package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"github.com/scanforge/orchestrator-core/pkg/condition"
	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// snapshotInterval is how often the owner goroutine reports an
// orchestration-scoped Snapshot to the Monitor while running.
const snapshotInterval = 2 * time.Second

// run is the owner goroutine for one orchestration: it dispatches ready
// stages, applies retry/backoff on failure, honors pause/cancel/terminate
// requests from the mailbox, and finalizes the orchestration's Outcome on
// completion. Exactly one goroutine per orchestration ever touches rs.orch
// or rs.stages after this point (spec.md §3).
func (o *Orchestrator) run(ctx context.Context, rs *runState) {
	defer close(rs.done)

	plan := *rs.orch.Plan
	parallelism := plan.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	running := 0
	paused := false
	var cancelDeadline time.Time
	cancelling := false

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		if cancelling && running == 0 {
			o.finalize(rs, orchtypes.StatusCancelled, "")
			return
		}
		if cancelling && !cancelDeadline.IsZero() && time.Now().After(cancelDeadline) {
			if rs.cancel != nil {
				rs.cancel()
			}
			o.finalize(rs, orchtypes.StatusTerminated, "cancellation grace period elapsed")
			return
		}

		if !paused && !cancelling {
			for running < parallelism {
				stage, ok := o.nextReadyStage(rs)
				if !ok {
					break
				}
				rs.mu.Lock()
				stage.Status = orchtypes.StageStatusRunning
				stage.AttemptCount++
				stage.NextAttemptAt = time.Time{}
				rs.dispatched[stage.ID] = true
				inputs := mergeUpstreamOutputs(rs, stage)
				rs.mu.Unlock()
				running++
				o.dispatchStage(ctx, rs, stage, inputs)
			}
		}

		if running == 0 && !o.hasRunnableWork(rs) {
			o.finalizeFromStages(rs)
			return
		}

		select {
		case msg := <-rs.mailbox:
			switch m := msg.(type) {
			case msgPause:
				paused = true
				rs.mu.Lock()
				rs.orch.Status = orchtypes.StatusPaused
				rs.orch.PauseReason = m.reason
				rs.mu.Unlock()
				o.persistOrchestration(rs)
			case msgResume:
				paused = false
				rs.mu.Lock()
				rs.orch.Status = orchtypes.StatusRunning
				rs.orch.PauseReason = ""
				rs.mu.Unlock()
				o.persistOrchestration(rs)
			case msgCancel:
				cancelling = true
				if m.grace > 0 {
					cancelDeadline = time.Now().Add(m.grace)
				} else {
					cancelDeadline = time.Now()
				}
			case msgTerminate:
				if rs.cancel != nil {
					rs.cancel()
				}
				o.cancelRunningStages(rs)
				o.finalize(rs, orchtypes.StatusTerminated, "terminated on request")
				return
			case msgStageResult:
				if o.applyStageResult(rs, m) {
					running--
				}
				o.persistStage(rs, m.stageID)
				if o.engine != nil {
					plan, parallelism = o.adaptPlan(rs, plan)
				}
				o.persistOrchestration(rs)
			case msgRetryReady:
				// no-op: waking the select loop is enough to re-scan for
				// newly-pending stages on the next iteration.
			}
		case <-ticker.C:
			o.reportSnapshot(rs)
		case <-ctx.Done():
			o.finalize(rs, orchtypes.StatusTerminated, "context cancelled")
			return
		}
	}
}

// dispatchStage invokes the stage's registered scan operation in its own
// goroutine and feeds the result back through the mailbox, so completion
// handling always happens on the owner goroutine. Stage types with no
// registered Operation are assumed dispatched to an external system out of
// band; they stay running until ReportStageResult delivers their outcome.
func (o *Orchestrator) dispatchStage(ctx context.Context, rs *runState, stage *orchtypes.Stage, inputs map[string]any) {
	if !o.registry.Registered(stage.Type) {
		return
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if stage.Timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
	}

	go func() {
		if cancel != nil {
			defer cancel()
		}
		outcome, err := o.registry.Invoke(stageCtx, stage.ID, stage.Type, inputs)
		select {
		case rs.mailbox <- msgStageResult{stageID: stage.ID, outputs: outcome.Outputs, err: err}:
		case <-rs.done:
		}
	}()
}

// applyStageResult records a stage completion (success, retryable failure
// with backoff, or fatal failure) and returns true if it freed a running
// slot. Duplicate reports for an already-terminal stage are ignored.
func (o *Orchestrator) applyStageResult(rs *runState, m msgStageResult) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stage, ok := rs.stages[m.stageID]
	if !ok || stage.Status.Terminal() {
		return false
	}

	if m.err == nil {
		stage.Status = orchtypes.StageStatusSucceeded
		stage.Outputs = m.outputs
		rs.orch.Progress.StagesDone++
		return true
	}

	stage.LastError = m.err.Error()
	retryable := isRetryableStageError(m.err)
	maxAttempts := stage.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if retryable && stage.AttemptCount < maxAttempts {
		stage.Status = orchtypes.StageStatusPending
		delay := backoffWithJitter(stage.AttemptCount, stage.RetryPolicy.Backoff)
		stage.NextAttemptAt = time.Now().Add(delay)
		go func() {
			time.Sleep(delay)
			select {
			case rs.mailbox <- msgRetryReady{stageID: stage.ID}:
			case <-rs.done:
			}
		}()
		return true
	}

	stage.Status = orchtypes.StageStatusFailed
	rs.orch.Progress.StagesDone++
	o.failDownstream(rs, stage.ID)
	return true
}

// adaptPlan asks the Strategy Engine to revise the in-flight plan against
// the orchestration's observed success/failure counts (spec.md §4.5) and,
// if the Engine degraded it, updates rs.orch.Plan so reports and the
// eventual Outcome reflect the live plan rather than the one selected at
// Create time. Returns the plan run's dispatch loop should use from here
// on, with parallelism floored at 1.
func (o *Orchestrator) adaptPlan(rs *runState, current orchtypes.StrategyPlan) (orchtypes.StrategyPlan, int) {
	rs.mu.Lock()
	var succeeded, failed int
	for _, s := range rs.stages {
		switch s.Status {
		case orchtypes.StageStatusSucceeded:
			succeeded++
		case orchtypes.StageStatusFailed:
			failed++
		}
	}
	rs.mu.Unlock()

	revised := o.engine.Adapt(current, succeeded, failed)
	parallelism := revised.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if revised.Class != current.Class || revised.Parallelism != current.Parallelism || revised.BatchSize != current.BatchSize {
		rs.mu.Lock()
		rs.orch.Plan = &revised
		rs.mu.Unlock()
		o.logger.Info().
			Str("orchestration_id", rs.orch.ID).
			Str("class", string(revised.Class)).
			Int("parallelism", parallelism).
			Msg("strategy engine adapted plan")
	}
	return revised, parallelism
}

// msgRetryReady wakes the owner goroutine's select loop once a stage's
// backoff delay has elapsed. nextReadyStage is what actually re-admits the
// stage (by comparing now against its NextAttemptAt); this message carries
// no payload the dispatch loop needs to act on, it just ensures the loop
// doesn't sit blocked on the mailbox past the moment the stage becomes
// eligible again.
type msgRetryReady struct{ stageID string }

// failDownstream marks every stage transitively depending on a failed
// stage as skipped, since they can never become ready.
func (o *Orchestrator) failDownstream(rs *runState, failedStageID string) {
	blocked := map[string]bool{failedStageID: true}
	changed := true
	for changed {
		changed = false
		for id, s := range rs.stages {
			if s.Status.Terminal() {
				continue
			}
			for _, p := range s.Prereqs {
				if blocked[p] {
					s.Status = orchtypes.StageStatusSkipped
					rs.orch.Progress.StagesDone++
					blocked[id] = true
					changed = true
					break
				}
			}
		}
	}
}

// nextReadyStage returns (and does not yet mark running) the
// lowest-Order pending stage whose prerequisites have all succeeded and
// whose Conditions evaluate true, or false if none is ready.
func (o *Orchestrator) nextReadyStage(rs *runState) (*orchtypes.Stage, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	scope := condition.Scope{}
	for id, s := range rs.stages {
		scope[id] = s.Outputs
	}

	now := time.Now()
	for _, id := range rs.order {
		stage := rs.stages[id]
		if stage.Status != orchtypes.StageStatusPending {
			continue
		}
		if !stage.NextAttemptAt.IsZero() && now.Before(stage.NextAttemptAt) {
			continue
		}
		if !prereqsSatisfied(rs, stage) {
			continue
		}
		if ok, err := o.evaluateConditions(stage, scope); err != nil || !ok {
			continue
		}
		if stage.ReadySince.IsZero() {
			stage.ReadySince = time.Now()
		}
		return stage, true
	}
	return nil, false
}

func (o *Orchestrator) evaluateConditions(stage *orchtypes.Stage, scope condition.Scope) (bool, error) {
	for _, expr := range stage.Conditions {
		ok, err := o.cond.Eval(expr, scope)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func prereqsSatisfied(rs *runState, stage *orchtypes.Stage) bool {
	for _, p := range stage.Prereqs {
		if rs.stages[p].Status != orchtypes.StageStatusSucceeded {
			return false
		}
	}
	return true
}

// hasRunnableWork reports whether any non-terminal stage remains that
// could still become ready (directly, or once a currently-pending upstream
// stage succeeds).
func (o *Orchestrator) hasRunnableWork(rs *runState) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.stages {
		if !s.Status.Terminal() {
			return true
		}
	}
	return false
}

// mergeUpstreamOutputs builds a stage's effective input map: its declared
// Inputs, overlaid with every prerequisite stage's Outputs.
func mergeUpstreamOutputs(rs *runState, stage *orchtypes.Stage) map[string]any {
	merged := make(map[string]any, len(stage.Inputs))
	for k, v := range stage.Inputs {
		merged[k] = v
	}
	for _, p := range stage.Prereqs {
		for k, v := range rs.stages[p].Outputs {
			merged[k] = v
		}
	}
	return merged
}

// cancelRunningStages marks every non-terminal stage cancelled, for
// Terminate.
func (o *Orchestrator) cancelRunningStages(rs *runState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.stages {
		if !s.Status.Terminal() {
			s.Status = orchtypes.StageStatusCancelled
		}
	}
}

// finalizeFromStages computes the terminal orchestration status from final
// stage outcomes (failed mandatory stage -> failed, otherwise completed)
// and finalizes.
func (o *Orchestrator) finalizeFromStages(rs *runState) {
	rs.mu.Lock()
	status := orchtypes.StatusCompleted
	for _, s := range rs.stages {
		if s.Status == orchtypes.StageStatusFailed && s.Mandatory {
			status = orchtypes.StatusFailed
		}
	}
	rs.mu.Unlock()
	o.finalize(rs, status, "")
}

// finalize releases the orchestration's resource reservation, stamps its
// Outcome, and transitions it to a terminal Status.
func (o *Orchestrator) finalize(rs *runState, status orchtypes.Status, lastError string) {
	rs.mu.Lock()
	rs.orch.Status = status
	rs.orch.Completion = time.Now()

	var succeeded, failed, skipped int
	for _, s := range rs.stages {
		switch s.Status {
		case orchtypes.StageStatusSucceeded:
			succeeded++
		case orchtypes.StageStatusFailed:
			failed++
		case orchtypes.StageStatusSkipped, orchtypes.StageStatusCancelled:
			skipped++
		}
	}
	rs.orch.Outcome = &orchtypes.Outcome{
		Status:          status,
		CompletedAt:     rs.orch.Completion,
		Cost:            rs.orch.ActualCost,
		StagesSucceeded: succeeded,
		StagesFailed:    failed,
		StagesSkipped:   skipped,
		LastError:       lastError,
	}
	reservationID := rs.orch.ResourceReservationID
	stageIDs := make([]string, 0, len(rs.stages))
	for id := range rs.stages {
		stageIDs = append(stageIDs, id)
	}
	rs.mu.Unlock()

	for _, id := range stageIDs {
		o.persistStage(rs, id)
	}
	o.persistOrchestration(rs)

	if reservationID != "" && o.broker != nil {
		_ = o.broker.Release(reservationID)
	}
	if status == orchtypes.StatusCompleted && o.resolver != nil {
		o.resolver.SatisfySource(rs.orch.ID)
	}
	o.reportSnapshot(rs)
}

// reportSnapshot sends a point-in-time Snapshot for this orchestration to
// the Monitor, if one is wired.
func (o *Orchestrator) reportSnapshot(rs *runState) {
	if o.mon == nil {
		return
	}
	rs.mu.Lock()
	snap := orchtypes.Snapshot{
		OrchestrationID: rs.orch.ID,
		SuccessRate:     successRate(rs),
		ErrorRate:       1 - successRate(rs),
		Cost:            rs.orch.ActualCost,
	}
	rs.mu.Unlock()
	o.mon.Record(context.Background(), rs.orch.ID, snap)
}

func successRate(rs *runState) float64 {
	var total, succeeded int
	for _, s := range rs.stages {
		if s.Status.Terminal() {
			total++
			if s.Status == orchtypes.StageStatusSucceeded {
				succeeded++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(succeeded) / float64(total)
}

// isRetryableStageError classifies a stage invocation error using the
// shared error taxonomy (spec.md §7): only KindStageRetryable is retried.
func isRetryableStageError(err error) bool {
	return orcherrors.Is(err, orcherrors.KindStageRetryable)
}

func backoffWithJitter(attempt int, cfg orchtypes.RetryBackoff) time.Duration {
	base := cfg.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := cfg.Cap
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > ceiling {
			delay = ceiling
			break
		}
	}

	jitter := cfg.Jitter
	if jitter <= 0 {
		jitter = delay / 4
	}
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}
