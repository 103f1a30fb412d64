// Package orchestrator implements the Orchestrator (spec.md §4.1): the
// component that owns an orchestration's lifecycle and executes its stage
// DAG. Each orchestration is driven by a single owner goroutine reading
// from a private mailbox (spec.md §3's single-writer ownership rule,
// generalized from the teacher's per-node actor pattern in
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/scheduler/engine.go,
// which runs one dispatch loop per cluster node rather than sharing
// mutable node state across goroutines).
//
// Stage fan-out within one orchestration runs each dispatched stage in its
// own goroutine, with the plan's parallelism capping how many run at once;
// BulkCreate's parallel mode bounds its fan-out with a channel semaphore.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scanforge/orchestrator-core/pkg/condition"
	"github.com/scanforge/orchestrator-core/pkg/dependency"
	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/monitor"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
	"github.com/scanforge/orchestrator-core/pkg/resourcebroker"
	"github.com/scanforge/orchestrator-core/pkg/scanop"
	"github.com/scanforge/orchestrator-core/pkg/scheduler"
	"github.com/scanforge/orchestrator-core/pkg/strategy"
)

// defaultMailboxDepth bounds each orchestration's command mailbox.
const defaultMailboxDepth = 32

// runState is the owner goroutine's private view of one orchestration. Only
// the owner goroutine mutates orch and stages; every other caller
// communicates through mailbox.
type runState struct {
	mu     sync.Mutex // guards the fields snapshotted for read-only callers (Get, etc.)
	orch   orchtypes.Orchestration
	stages map[string]*orchtypes.Stage
	order  []string // stage ids, stable Order-ascending, for tie-break dispatch

	mailbox chan any
	cancel  context.CancelFunc
	done    chan struct{}

	dispatched map[string]bool // stage ids already dispatched, for ReportStageResult de-duplication
}

// mailbox message types.
type msgPause struct{ reason string }
type msgResume struct{}
type msgCancel struct{ grace time.Duration }
type msgTerminate struct{}
type msgApprove struct{ approver string }
type msgStageResult struct {
	stageID string
	outputs map[string]any
	err     error
}

// Repository is the outbound persistence port (spec.md §6): durable writes
// of orchestration and stage state across transitions. Defined here rather
// than imported from internal/store so the Orchestrator depends on a
// capability, not a concrete backend — the reference PostgresStore and
// in-memory MemoryStore both satisfy it structurally, as would a test
// double. A nil Repository (the zero value of *Orchestrator before
// SetRepository is called) makes persistence a no-op, matching the rest of
// this package's optional-collaborator pattern (e.g. Broker/Resolver/Mon).
type Repository interface {
	SaveOrchestration(ctx context.Context, orch orchtypes.Orchestration) error
	SaveStage(ctx context.Context, stage orchtypes.Stage) error
}

// Orchestrator owns every Orchestration's lifecycle state exclusively
// (spec.md §3), delegating to the Broker, Resolver, Strategy Engine and
// Monitor for their respective concerns.
type Orchestrator struct {
	mu    sync.Mutex
	runs  map[string]*runState

	broker   *resourcebroker.Broker
	resolver *dependency.Resolver
	engine   *strategy.Engine
	mon      *monitor.Monitor
	registry *scanop.Registry
	cond     *condition.Evaluator
	sched    *scheduler.Scheduler
	repo     Repository

	logger zerolog.Logger
}

// SetRepository wires the durable persistence port, the way SetNotifier
// wires the Broker's preemption callback after construction — the
// Repository is typically a *store.PostgresStore or *store.MemoryStore
// built in main.go, once the Orchestrator already exists.
func (o *Orchestrator) SetRepository(repo Repository) {
	o.repo = repo
}

// New wires an Orchestrator to its collaborating components.
func New(
	broker *resourcebroker.Broker,
	resolver *dependency.Resolver,
	engine *strategy.Engine,
	mon *monitor.Monitor,
	registry *scanop.Registry,
	cond *condition.Evaluator,
	sched *scheduler.Scheduler,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		runs:     make(map[string]*runState),
		broker:   broker,
		resolver: resolver,
		engine:   engine,
		mon:      mon,
		registry: registry,
		cond:     cond,
		sched:    sched,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Create validates a request, builds the stage DAG, selects a StrategyPlan,
// and either queues the orchestration for dispatch or parks it in
// pending_approval if RequiredApprovals is non-empty.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*orchtypes.Orchestration, error) {
	if req.Name == "" {
		return nil, orcherrors.InvalidRequest("Orchestrator.Create", "", "name is required")
	}
	if len(req.Stages) == 0 {
		return nil, orcherrors.InvalidRequest("Orchestrator.Create", "", "at least one stage is required")
	}

	stages, order, err := buildStageGraph(req.Stages)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	for _, s := range stages {
		s.OrchestrationID = id
		s.Status = orchtypes.StageStatusPending
	}

	plan := o.engine.Select(ctx, strategy.Features{
		Type:        req.Type,
		Priority:    req.Priority,
		TargetCount: len(req.Targets),
		SystemLoad:  o.systemLoad(),
	})
	o.clampPlanToHeadroom(&plan)

	orch := orchtypes.Orchestration{
		ID:                id,
		Name:              req.Name,
		Type:              req.Type,
		Mode:              req.Mode,
		Status:            orchtypes.StatusPlanning,
		Priority:          req.Priority,
		Submitter:         req.Submitter,
		Deadline:          req.Deadline,
		MaxRuntime:        req.MaxRuntime,
		Budget:            req.Budget,
		Targets:           req.Targets,
		Plan:              &plan,
		Progress:          orchtypes.Progress{StagesTotal: len(stages)},
		MaxRetries:        req.MaxRetries,
		RetryBackoff:      req.RetryBackoff,
		RequiredApprovals: req.RequiredApprovals,
	}

	if len(req.RequiredApprovals) > 0 {
		orch.Status = orchtypes.StatusPendingApproval
	} else {
		orch.Status = orchtypes.StatusQueued
	}

	rs := &runState{
		orch:    orch,
		stages:  stages,
		order:   order,
		mailbox:    make(chan any, defaultMailboxDepth),
		done:       make(chan struct{}),
		dispatched: make(map[string]bool),
	}

	o.mu.Lock()
	o.runs[id] = rs
	o.mu.Unlock()

	o.persistOrchestration(rs)
	for stageID := range stages {
		o.persistStage(rs, stageID)
	}

	if orch.Status == orchtypes.StatusQueued {
		var slack time.Duration
		if !orch.Deadline.IsZero() {
			slack = time.Until(orch.Deadline)
		}
		if err := o.sched.Submit(scheduler.Entry{
			OrchestrationID: id,
			Priority:        req.Priority,
			DeadlineSlack:   slack,
			Submitter:       req.Submitter,
		}); err != nil {
			return nil, err
		}
	}

	result := orch
	return &result, nil
}

// BulkResult is one BulkCreate outcome, positionally aligned with the
// submitted request slice.
type BulkResult struct {
	Orchestration *orchtypes.Orchestration
	Err           error
}

// BulkCreate submits up to 100 requests as one batch (spec.md §6 "Bulk
// creation semantics"), tagging every created orchestration with a shared
// batch id for later Analytics grouping. mode selects ordering:
// BulkModeParallel runs all requests concurrently bounded by maxConcurrent,
// BulkModeSequential runs them one at a time in slice order, and
// BulkModeHybrid orders by each request's BulkDependsOn declarations. An
// individual request's failure never aborts the rest of the batch.
func (o *Orchestrator) BulkCreate(ctx context.Context, reqs []CreateRequest, mode BulkMode, maxConcurrent int) (batchID string, results []BulkResult, err error) {
	if len(reqs) == 0 {
		return "", nil, orcherrors.InvalidRequest("Orchestrator.BulkCreate", "", "at least one request is required")
	}
	if len(reqs) > maxBulkCreateRequests {
		return "", nil, orcherrors.InvalidRequest("Orchestrator.BulkCreate", "", fmt.Sprintf("batch of %d exceeds the %d request limit", len(reqs), maxBulkCreateRequests))
	}

	batchID = uuid.NewString()
	out := make([]BulkResult, len(reqs))

	create := func(i int) {
		orch, cerr := o.Create(ctx, reqs[i])
		if orch != nil {
			orch.BatchID = batchID
			if rs, gerr := o.get(orch.ID); gerr == nil {
				rs.mu.Lock()
				rs.orch.BatchID = batchID
				rs.mu.Unlock()
			}
		}
		out[i] = BulkResult{Orchestration: orch, Err: cerr}
	}

	switch mode {
	case BulkModeSequential:
		for i := range reqs {
			create(i)
		}
	case BulkModeHybrid:
		o.bulkCreateHybrid(reqs, create)
	default: // BulkModeParallel
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		sem := make(chan struct{}, maxConcurrent)
		var wg sync.WaitGroup
		for i := range reqs {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				create(i)
			}(i)
		}
		wg.Wait()
	}

	return batchID, out, nil
}

// bulkCreateHybrid runs create(i) for every request index, respecting each
// request's BulkDependsOn: an index only runs once every index it depends
// on has run (regardless of success), and any indices with no outstanding
// dependencies run concurrently with each other.
func (o *Orchestrator) bulkCreateHybrid(reqs []CreateRequest, create func(i int)) {
	n := len(reqs)
	remaining := make([]int, n) // count of unfinished dependencies, per index
	dependents := make([][]int, n)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, req := range reqs {
		for _, dep := range req.BulkDependsOn {
			if dep < 0 || dep >= n || dep == i {
				continue
			}
			remaining[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var run func(i int)
	finish := func(i int) {
		mu.Lock()
		notify := append([]int(nil), dependents[i]...)
		mu.Unlock()
		for _, d := range notify {
			mu.Lock()
			remaining[d]--
			r := remaining[d]
			mu.Unlock()
			if r == 0 {
				wg.Add(1)
				go run(d)
			}
		}
	}
	run = func(i int) {
		defer wg.Done()
		create(i)
		finish(i)
	}

	for i := 0; i < n; i++ {
		if remaining[i] == 0 {
			wg.Add(1)
			go run(i)
		}
	}
	wg.Wait()
}

// Start takes a queued orchestration by id, reserves its resources and
// launches its owner goroutine; an empty id is rejected as unknown. Returns ResourceDenied (propagated from the Broker, or raised
// here when a mandatory cross-orchestration dependency is still pending)
// without consuming the scheduler slot — the caller is expected to retry
// later. A mandatory dependency edge that has timed out fails the
// orchestration outright with DependencyTimeout instead (spec.md §4.4).
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	rs, err := o.get(id)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	if rs.orch.Status != orchtypes.StatusQueued {
		status := rs.orch.Status
		rs.mu.Unlock()
		return orcherrors.Conflict("Orchestrator.Start", id, fmt.Sprintf("orchestration is %s, not queued", status))
	}
	plan := *rs.orch.Plan
	budget := rs.orch.Budget
	priority := rs.orch.Priority
	rs.mu.Unlock()

	if o.resolver != nil {
		if err := o.checkDependencies(rs, id); err != nil {
			return err
		}
	}

	reservation, err := o.broker.Reserve(ctx, id, reservationRequests(plan), budget, priority)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	rs.mu.Lock()
	rs.orch.Status = orchtypes.StatusRunning
	rs.orch.ActualStart = time.Now()
	rs.orch.ResourceReservationID = reservation.ID
	rs.cancel = cancel
	rs.mu.Unlock()

	o.sched.Remove(id)
	o.persistOrchestration(rs)

	go o.run(runCtx, rs)
	return nil
}

// checkDependencies blocks Start until every mandatory DependencyEdge
// targeting id is satisfied or overridden. A mandatory edge that has already
// timed out fails the orchestration immediately instead of leaving it queued
// forever.
func (o *Orchestrator) checkDependencies(rs *runState, id string) error {
	for _, edge := range o.resolver.Blockers(id) {
		if !edge.Mandatory {
			continue
		}
		if edge.Status == orchtypes.EdgeStatusTimedOut {
			o.failOnDependencyTimeout(rs, edge)
			return orcherrors.DependencyTimeout("Orchestrator.Start", id, "mandatory dependency "+edge.ID+" timed out waiting on "+edge.Source)
		}
		return orcherrors.ResourceDenied("Orchestrator.Start", id, "mandatory dependency "+edge.ID+" on "+edge.Source+" not yet satisfied")
	}
	return nil
}

// failOnDependencyTimeout transitions a still-queued orchestration straight
// to failed because the owner goroutine never started. Safe to call before
// the owner goroutine exists since nothing else mutates rs.orch yet.
func (o *Orchestrator) failOnDependencyTimeout(rs *runState, edge orchtypes.DependencyEdge) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.orch.Status = orchtypes.StatusFailed
	rs.orch.Completion = time.Now()
	rs.orch.Outcome = &orchtypes.Outcome{
		Status:      orchtypes.StatusFailed,
		CompletedAt: rs.orch.Completion,
		LastError:   "dependency " + edge.ID + " timed out waiting on " + edge.Source,
	}
	o.sched.Remove(rs.orch.ID)
}

// Resolver exposes the Dependency Resolver this Orchestrator consults before
// Start, so an inbound DependencyAPI adapter can add/override edges against
// the same instance.
func (o *Orchestrator) Resolver() *dependency.Resolver {
	return o.resolver
}

// Retry re-queues a failed orchestration for another attempt, consuming one
// retry credit (spec.md §4.1: "failed -> retrying -> queued (if retry_count
// < max)"). Stages already succeeded are left alone; every other stage
// resets to pending so it is re-dispatched. Fails with Conflict if the
// orchestration isn't failed or its retry budget is exhausted.
func (o *Orchestrator) Retry(id string) error {
	rs, err := o.get(id)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.orch.Status != orchtypes.StatusFailed {
		return orcherrors.Conflict("Orchestrator.Retry", id, fmt.Sprintf("orchestration is %s, not failed", rs.orch.Status))
	}
	if rs.orch.RetryCount >= rs.orch.MaxRetries {
		return orcherrors.Conflict("Orchestrator.Retry", id, "max_retries exhausted")
	}

	rs.orch.RetryCount++
	rs.orch.Outcome = nil
	rs.orch.ActualStart = time.Time{}
	rs.orch.Completion = time.Time{}
	rs.orch.ResourceReservationID = ""

	succeeded := 0
	for _, s := range rs.stages {
		if s.Status == orchtypes.StageStatusSucceeded {
			succeeded++
			continue
		}
		s.Status = orchtypes.StageStatusPending
		s.Outputs = make(map[string]any)
		s.AttemptCount = 0
		s.LastError = ""
		s.ReadySince = time.Time{}
		s.NextAttemptAt = time.Time{}
	}
	rs.orch.Progress.StagesDone = succeeded
	rs.dispatched = make(map[string]bool)
	rs.done = make(chan struct{})
	rs.cancel = nil

	rs.orch.Status = orchtypes.StatusQueued

	var slack time.Duration
	if !rs.orch.Deadline.IsZero() {
		slack = time.Until(rs.orch.Deadline)
	}
	return o.sched.Submit(scheduler.Entry{
		OrchestrationID: id,
		Priority:        rs.orch.Priority,
		DeadlineSlack:   slack,
		Submitter:       rs.orch.Submitter,
	})
}

// Pause requests a graceful pause; the owner goroutine stops dispatching
// new stages but lets in-flight ones finish.
func (o *Orchestrator) Pause(id, reason string) error {
	return o.send(id, msgPause{reason: reason})
}

// Resume requests a paused orchestration resume dispatching.
func (o *Orchestrator) Resume(id string) error {
	return o.send(id, msgResume{})
}

// preemptedPauseReason is the PauseReason prefix Preempt stamps on a
// victim orchestration, so ResumePreempted can tell a preemption-induced
// pause apart from an operator-requested one.
const preemptedPauseReason = "preempted"

// Preempt implements resourcebroker.PreemptionNotifier: the Broker calls
// this when it pulls a running orchestration's reservation to satisfy a
// higher-priority request (spec.md §8 scenario S5). It pauses the victim so
// its owner goroutine stops dispatching new stages against resources it no
// longer holds, transitioning it to paused rather than leaving it running
// unaware its reservation is gone. The orchestration is re-queued for
// ResumePreempted to re-reserve and resume once headroom reappears, per
// spec.md §4.3 ("preempted orchestrations ... are re-queued").
func (o *Orchestrator) Preempt(ctx context.Context, orchestrationID, reason string) error {
	return o.Pause(orchestrationID, preemptedPauseReason+": "+reason)
}

// ResumePreempted scans for paused, preemption-victim orchestrations and
// resumes any whose resource request can be re-reserved and whose deadline
// (if any) hasn't passed, implementing the "upon Y completion, X resumes
// (if within deadline)" half of spec.md §8 scenario S5. Intended to be
// polled by the same dispatch-loop tick that ages the scheduler queue and
// evaluates Broker scaling, since nothing else currently notifies the
// Orchestrator when a preempting reservation is released.
func (o *Orchestrator) ResumePreempted(ctx context.Context) {
	if o.broker == nil {
		return
	}
	o.mu.Lock()
	candidates := make([]*runState, 0, len(o.runs))
	for _, rs := range o.runs {
		candidates = append(candidates, rs)
	}
	o.mu.Unlock()

	for _, rs := range candidates {
		o.tryResumePreempted(ctx, rs)
	}
}

// tryResumePreempted re-reserves and resumes one preempted orchestration.
// A failed Reserve just means capacity still hasn't freed up; the caller
// will try again on the next tick.
func (o *Orchestrator) tryResumePreempted(ctx context.Context, rs *runState) {
	rs.mu.Lock()
	if rs.orch.Status != orchtypes.StatusPaused || !strings.HasPrefix(rs.orch.PauseReason, preemptedPauseReason) {
		rs.mu.Unlock()
		return
	}
	if !rs.orch.Deadline.IsZero() && time.Now().After(rs.orch.Deadline) {
		rs.mu.Unlock()
		return
	}
	id := rs.orch.ID
	plan := *rs.orch.Plan
	budget := rs.orch.Budget
	priority := rs.orch.Priority
	rs.mu.Unlock()

	reservation, err := o.broker.Reserve(ctx, id, reservationRequests(plan), budget, priority)
	if err != nil {
		return
	}

	rs.mu.Lock()
	rs.orch.ResourceReservationID = reservation.ID
	rs.mu.Unlock()

	_ = o.Resume(id)
}

// reservationRequests derives a Broker reservation request list from a
// plan: its explicit ResourceRequest entries plus worker capacity sized to
// its parallelism, which every plan reserves regardless of pool mix.
func reservationRequests(plan orchtypes.StrategyPlan) []resourcebroker.Request {
	var requests []resourcebroker.Request
	for poolType, amount := range plan.ResourceRequest {
		requests = append(requests, resourcebroker.Request{Pool: poolType, Amount: amount})
	}
	requests = append(requests, resourcebroker.Request{Pool: orchtypes.PoolWorkers, Amount: float64(plan.Parallelism)})
	return requests
}

// systemLoad averages each registered pool's in-use fraction, feeding the
// Strategy Engine's Features.SystemLoad so plan selection (and the
// headroom clamp below) reacts to live Broker state instead of always
// scoring resource fit against an idle system.
func (o *Orchestrator) systemLoad() float64 {
	if o.broker == nil {
		return 0
	}
	pools := o.broker.Utilization()
	if len(pools) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pools {
		if p.Total <= 0 {
			continue
		}
		load := (p.Reserved + p.InUse) / p.Total
		if load < 0 {
			load = 0
		} else if load > 1 {
			load = 1
		}
		sum += load
	}
	return sum / float64(len(pools))
}

// clampPlanToHeadroom scales a freshly-selected plan's resource request
// and parallelism down to what the Broker can actually still offer right
// now, so Select's scoring (which only penalizes high load, rather than
// hard-capping against it) never hands out a plan the Reserve call in
// Start is guaranteed to reject outright.
func (o *Orchestrator) clampPlanToHeadroom(plan *orchtypes.StrategyPlan) {
	if o.broker == nil || len(plan.ResourceRequest) == 0 {
		return
	}
	pools := o.broker.Utilization()
	tightest := 1.0
	for poolType, requested := range plan.ResourceRequest {
		if requested <= 0 {
			continue
		}
		pool, ok := pools[poolType]
		if !ok {
			continue
		}
		available := pool.Available()
		if available <= 0 {
			tightest = 0
			continue
		}
		if ratio := available / requested; ratio < tightest {
			tightest = ratio
		}
	}
	if tightest >= 1 {
		return
	}
	for poolType, requested := range plan.ResourceRequest {
		plan.ResourceRequest[poolType] = requested * tightest
	}
	if scaled := int(float64(plan.Parallelism) * tightest); scaled < plan.Parallelism {
		if scaled < 1 {
			scaled = 1
		}
		plan.Parallelism = scaled
	}
}

// Cancel requests cooperative cancellation within grace before the owner
// goroutine force-terminates in-flight stages.
func (o *Orchestrator) Cancel(id string, grace time.Duration) error {
	return o.send(id, msgCancel{grace: grace})
}

// Terminate force-stops an orchestration immediately, marking in-flight
// stages cancelled without waiting for graceful completion.
func (o *Orchestrator) Terminate(id string) error {
	return o.send(id, msgTerminate{})
}

// Approve records an approval. Once every RequiredApprovals entry has been
// satisfied, the orchestration moves from pending_approval to queued.
func (o *Orchestrator) Approve(id, approver string) error {
	return o.send(id, msgApprove{approver: approver})
}

// ReportStageResult completes a stage from outside the owner goroutine —
// for stages dispatched to an external system that reports back
// asynchronously rather than through a synchronous scanop.Operation call.
func (o *Orchestrator) ReportStageResult(id, stageID string, outputs map[string]any, stageErr error) error {
	return o.send(id, msgStageResult{stageID: stageID, outputs: outputs, err: stageErr})
}

// Get returns a snapshot of an orchestration's current state.
func (o *Orchestrator) Get(id string) (orchtypes.Orchestration, error) {
	rs, err := o.get(id)
	if err != nil {
		return orchtypes.Orchestration{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.orch, nil
}

// Stages returns a snapshot of an orchestration's stages.
func (o *Orchestrator) Stages(id string) ([]orchtypes.Stage, error) {
	rs, err := o.get(id)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]orchtypes.Stage, 0, len(rs.stages))
	for _, sid := range rs.order {
		out = append(out, *rs.stages[sid])
	}
	return out, nil
}

// AnalyticsFilter narrows Analytics to a batch, a type, or both; the zero
// value matches every tracked orchestration.
type AnalyticsFilter struct {
	BatchID string
	Type    orchtypes.OrchestrationType
}

// AnalyticsResult is the OrchestrationAPI "Analytics query" response
// (spec.md §6): aggregate counts and cost across whatever Analytics' filter
// selected, plus average elapsed duration of the orchestrations that have
// actually started.
type AnalyticsResult struct {
	Total       int
	ByStatus    map[orchtypes.Status]int
	StagesDone  int
	StagesTotal int
	TotalCost   float64
	AverageRun  time.Duration
}

// Analytics aggregates across every orchestration this Orchestrator is
// currently tracking (running, queued, or terminal but not yet evicted),
// optionally narrowed by AnalyticsFilter. BulkCreate's batch id is the
// primary intended filter: a caller correlates a batch's outcomes here
// after the individual BulkResult list returns.
func (o *Orchestrator) Analytics(filter AnalyticsFilter) AnalyticsResult {
	o.mu.Lock()
	runs := make([]*runState, 0, len(o.runs))
	for _, rs := range o.runs {
		runs = append(runs, rs)
	}
	o.mu.Unlock()

	res := AnalyticsResult{ByStatus: make(map[orchtypes.Status]int)}
	var runDurationSum time.Duration
	var ranCount int

	for _, rs := range runs {
		rs.mu.Lock()
		orch := rs.orch
		rs.mu.Unlock()

		if filter.BatchID != "" && orch.BatchID != filter.BatchID {
			continue
		}
		if filter.Type != "" && orch.Type != filter.Type {
			continue
		}

		res.Total++
		res.ByStatus[orch.Status]++
		res.StagesDone += orch.Progress.StagesDone
		res.StagesTotal += orch.Progress.StagesTotal
		res.TotalCost += orch.ActualCost

		if !orch.ActualStart.IsZero() {
			end := orch.Completion
			if end.IsZero() {
				end = time.Now()
			}
			runDurationSum += end.Sub(orch.ActualStart)
			ranCount++
		}
	}

	if ranCount > 0 {
		res.AverageRun = runDurationSum / time.Duration(ranCount)
	}
	return res
}

// persistOrchestration snapshots rs.orch and durably records it through the
// Repository port, if one is wired (spec.md §2 "persists state via the
// repository port", §6 "transactional writes for state transitions"). The
// in-memory runState remains authoritative for the live process; a write
// failure here is logged, not escalated, since Repository exists for crash
// recovery and audit, not the hot execution path (spec.md §5 classifies
// repository I/O as a suspension point, not a correctness dependency).
func (o *Orchestrator) persistOrchestration(rs *runState) {
	if o.repo == nil {
		return
	}
	rs.mu.Lock()
	snapshot := rs.orch
	rs.mu.Unlock()
	if err := o.repo.SaveOrchestration(context.Background(), snapshot); err != nil {
		o.logger.Warn().Str("orchestration_id", snapshot.ID).Err(err).Msg("failed to persist orchestration")
	}
}

// persistStage snapshots one stage and durably records it, mirroring
// persistOrchestration.
func (o *Orchestrator) persistStage(rs *runState, stageID string) {
	if o.repo == nil {
		return
	}
	rs.mu.Lock()
	stage, ok := rs.stages[stageID]
	var snapshot orchtypes.Stage
	if ok {
		snapshot = *stage
	}
	rs.mu.Unlock()
	if !ok {
		return
	}
	if err := o.repo.SaveStage(context.Background(), snapshot); err != nil {
		o.logger.Warn().Str("stage_id", stageID).Err(err).Msg("failed to persist stage")
	}
}

func (o *Orchestrator) get(id string) (*runState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.runs[id]
	if !ok {
		return nil, orcherrors.InvalidRequest("Orchestrator.get", id, "unknown orchestration")
	}
	return rs, nil
}

// send delivers a mailbox message, handling the pre-run case (queued /
// pending_approval orchestrations have no owner goroutine reading the
// mailbox yet) inline instead of blocking on a channel nobody drains.
func (o *Orchestrator) send(id string, msg any) error {
	rs, err := o.get(id)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	status := rs.orch.Status
	rs.mu.Unlock()

	if status.Terminal() {
		return orcherrors.Conflict("Orchestrator.send", id, fmt.Sprintf("orchestration is already %s", status))
	}

	if !status.Terminal() && status != orchtypes.StatusRunning && status != orchtypes.StatusPaused {
		if err := o.handlePreRun(rs, msg); err != nil {
			return err
		}
		o.persistOrchestration(rs)
		return nil
	}

	select {
	case rs.mailbox <- msg:
		return nil
	default:
		return orcherrors.New(orcherrors.KindInternal, "Orchestrator.send", id, "mailbox full")
	}
}

// handlePreRun applies the subset of operations valid before the owner
// goroutine exists (Approve while pending_approval, Cancel while queued).
func (o *Orchestrator) handlePreRun(rs *runState, msg any) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch m := msg.(type) {
	case msgApprove:
		if rs.orch.Status != orchtypes.StatusPendingApproval {
			return orcherrors.Conflict("Orchestrator.Approve", rs.orch.ID, "not pending approval")
		}
		rs.orch.RequiredApprovals = removeApproval(rs.orch.RequiredApprovals, m.approver)
		if len(rs.orch.RequiredApprovals) == 0 {
			rs.orch.Status = orchtypes.StatusQueued
		}
		return nil
	case msgCancel:
		rs.orch.Status = orchtypes.StatusCancelled
		rs.orch.Completion = time.Now()
		rs.orch.Outcome = &orchtypes.Outcome{Status: orchtypes.StatusCancelled, CompletedAt: rs.orch.Completion}
		o.sched.Remove(rs.orch.ID)
		return nil
	default:
		return orcherrors.Conflict("Orchestrator.send", rs.orch.ID, "operation not valid before the orchestration starts running")
	}
}

func removeApproval(list []string, approver string) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a != approver {
			out = append(out, a)
		}
	}
	return out
}

// buildStageGraph validates and materializes a request's StageSpecs into
// orchtypes.Stage values plus a stable dispatch-order slice. Rejects
// unknown prereq references and prereq cycles (every orchestration's stage
// DAG must be acyclic, independent of the cross-orchestration mandatory
// dependency graph I4 enforces).
func buildStageGraph(specs []StageSpec) (map[string]*orchtypes.Stage, []string, error) {
	stages := make(map[string]*orchtypes.Stage, len(specs))
	order := make([]string, 0, len(specs))

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, nil, orcherrors.InvalidRequest("Orchestrator.Create", "", "stage id is required")
		}
		if _, dup := stages[spec.ID]; dup {
			return nil, nil, orcherrors.InvalidRequest("Orchestrator.Create", spec.ID, "duplicate stage id")
		}
		stages[spec.ID] = &orchtypes.Stage{
			ID:                  spec.ID,
			Order:               spec.Order,
			Type:                spec.Type,
			Inputs:              spec.Inputs,
			Outputs:             make(map[string]any),
			Prereqs:             spec.Prereqs,
			Conditions:          spec.Conditions,
			Timeout:             spec.Timeout,
			RetryPolicy:         spec.RetryPolicy,
			QualityChecksNeeded: spec.QualityChecksNeeded,
			Mandatory:           spec.Mandatory,
		}
		order = append(order, spec.ID)
	}

	for _, s := range stages {
		for _, p := range s.Prereqs {
			if _, ok := stages[p]; !ok {
				return nil, nil, orcherrors.InvalidRequest("Orchestrator.Create", s.ID, "prereq references unknown stage "+p)
			}
		}
	}

	visiting := make(map[string]int) // 0 unvisited, 1 in-progress, 2 done
	var visit func(id string) error
	visit = func(id string) error {
		switch visiting[id] {
		case 1:
			return orcherrors.InvalidRequest("Orchestrator.Create", id, "stage prerequisite cycle detected")
		case 2:
			return nil
		}
		visiting[id] = 1
		for _, p := range stages[id].Prereqs {
			if err := visit(p); err != nil {
				return err
			}
		}
		visiting[id] = 2
		return nil
	}
	for id := range stages {
		if err := visit(id); err != nil {
			return nil, nil, err
		}
	}

	// stable order by declared Order, ties by id for determinism.
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a, b := stages[order[i]], stages[order[j]]
			if a.Order > b.Order || (a.Order == b.Order && order[i] > order[j]) {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	return stages, order, nil
}
