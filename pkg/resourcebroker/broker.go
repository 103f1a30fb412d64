// Package resourcebroker implements the Resource Broker (spec.md §4.3):
// typed resource pools, atomic multi-pool reservation, auto-scaling,
// preemption, budget enforcement and pool health.
//
// Grounded on
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/scheduler/resource/resource_manager.go
// (pool/allocation bookkeeping shape) and
// .../pkg/autoscaling/scaler.go (evaluate-loop/cooldown/decision shape),
// adapted from per-node capacity tracking to the spec's typed pool model.
// Scale-event rate limiting uses golang.org/x/time/rate, the way the
// teacher's pkg/security/rate_limiting.go rate-limits inbound requests.
package resourcebroker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// Request is one pool/amount pair in a reservation ask.
type Request struct {
	Pool   orchtypes.PoolType
	Amount float64
}

// PreemptionNotifier is the callback the Broker uses to ask the
// Orchestrator to pause a running orchestration whose reservation is being
// preempted. The Broker never mutates Orchestration state itself (spec.md
// §3 ownership rules) — it only asks.
type PreemptionNotifier interface {
	Preempt(ctx context.Context, orchestrationID, reason string) error
}

// BudgetSignal is the callback the Broker uses to tell the Orchestrator a
// running orchestration's projected cost exceeds its budget.
type BudgetSignal interface {
	BudgetExceeded(ctx context.Context, orchestrationID string) error
}

// reservationHolder tracks a reservation plus the metadata the Broker needs
// for preemption ordering (priority, age) without depending on the
// Orchestrator's richer Orchestration type.
type reservationHolder struct {
	reservation *orchtypes.Reservation
	priority    orchtypes.Priority
	createdAt   time.Time
}

// Config configures the Broker's evaluation cadence and scaling defaults.
type Config struct {
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	CoolDown           time.Duration
	Step               float64
	ScaleEventBurst    int
}

// DefaultConfig returns the pool_defaults of spec.md §6.
func DefaultConfig() Config {
	return Config{
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		CoolDown:           2 * time.Minute,
		Step:               1,
		ScaleEventBurst:    1,
	}
}

// Broker owns ResourcePool and Reservation state exclusively (spec.md §3).
type Broker struct {
	mu sync.Mutex

	config Config
	pools  map[orchtypes.PoolType]*orchtypes.ResourcePool

	reservations map[string]*reservationHolder

	limiters    map[orchtypes.PoolType]*rate.Limiter
	lastScaleAt map[orchtypes.PoolType]time.Time
	sustained   map[orchtypes.PoolType]time.Time // when the threshold breach began

	notifier PreemptionNotifier
	budget   BudgetSignal
	sink     EventPublisher

	logger zerolog.Logger
}

// SetNotifier wires the PreemptionNotifier after construction, for callers
// that must build the Broker before the Orchestrator exists to notify (the
// Orchestrator's constructor takes the Broker, not the other way around).
// Not safe to call concurrently with Reserve; call it once during startup
// wiring before the Broker starts serving requests.
func (b *Broker) SetNotifier(notifier PreemptionNotifier) {
	b.notifier = notifier
}

// EventPublisher is the narrow slice of the Monitor's sink the Broker needs
// to emit scaling/preemption events. Kept separate from pkg/events.Sink so
// the Broker doesn't need an orchtypes.Snapshot to report a scale action.
type EventPublisher interface {
	PublishScaleEvent(pool orchtypes.PoolType, from, to float64, reason string)
	PublishPreemption(orchestrationID, reason string)
}

// NoopEventPublisher discards every event; the default when none is wired.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishScaleEvent(orchtypes.PoolType, float64, float64, string) {}
func (NoopEventPublisher) PublishPreemption(string, string)                                {}

// New returns a Broker with no pools registered yet.
func New(cfg Config, notifier PreemptionNotifier, budget BudgetSignal, sink EventPublisher, logger zerolog.Logger) *Broker {
	if sink == nil {
		sink = NoopEventPublisher{}
	}
	return &Broker{
		config:       cfg,
		pools:        make(map[orchtypes.PoolType]*orchtypes.ResourcePool),
		reservations: make(map[string]*reservationHolder),
		limiters:     make(map[orchtypes.PoolType]*rate.Limiter),
		lastScaleAt:  make(map[orchtypes.PoolType]time.Time),
		sustained:    make(map[orchtypes.PoolType]time.Time),
		notifier:     notifier,
		budget:       budget,
		sink:         sink,
		logger:       logger.With().Str("component", "resource_broker").Logger(),
	}
}

// RegisterPool adds or replaces a pool definition.
func (b *Broker) RegisterPool(pool orchtypes.ResourcePool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pool.Health == "" {
		pool.Health = orchtypes.PoolHealthy
	}
	cp := pool
	b.pools[pool.Type] = &cp
	// One scale event per cooldown window, per pool.
	b.limiters[pool.Type] = rate.NewLimiter(rate.Every(b.config.CoolDown), b.config.ScaleEventBurst)
}

// Reserve attempts an atomic reservation across all requested pools. Either
// every entry succeeds or none do (spec.md §4.3). A critical-priority
// caller whose request would otherwise be denied may trigger preemption of
// background-priority holders.
func (b *Broker) Reserve(ctx context.Context, orchestrationID string, requests []Request, budget *orchtypes.Budget, priority orchtypes.Priority) (*orchtypes.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, deniedPool := b.fits(requests); !ok {
		if priority == orchtypes.PriorityCritical {
			if b.preemptLocked(ctx, requests) {
				if ok2, _ := b.fits(requests); ok2 {
					return b.commitLocked(orchestrationID, requests, budget, priority), nil
				}
			}
		}
		return nil, orcherrors.ResourceDenied("Broker.Reserve", orchestrationID, "insufficient capacity in pool "+string(deniedPool))
	}

	return b.commitLocked(orchestrationID, requests, budget, priority), nil
}

// fits reports whether every request can be satisfied by current
// availability, without mutating state. Returns the first pool that can't
// be satisfied, for diagnostics.
func (b *Broker) fits(requests []Request) (bool, orchtypes.PoolType) {
	for _, req := range requests {
		pool, ok := b.pools[req.Pool]
		if !ok {
			return false, req.Pool
		}
		if pool.Health == orchtypes.PoolUnhealthy {
			return false, req.Pool
		}
		if pool.Available() < req.Amount {
			return false, req.Pool
		}
	}
	return true, ""
}

func (b *Broker) commitLocked(orchestrationID string, requests []Request, budget *orchtypes.Budget, priority orchtypes.Priority) *orchtypes.Reservation {
	entries := make([]orchtypes.ReservationEntry, 0, len(requests))
	var cost float64
	for _, req := range requests {
		pool := b.pools[req.Pool]
		pool.Reserved += req.Amount
		cost += req.Amount * pool.CostPerUnit
		entries = append(entries, orchtypes.ReservationEntry{Pool: req.Pool, Amount: req.Amount})
	}

	res := &orchtypes.Reservation{
		ID:              uuid.NewString(),
		OrchestrationID: orchestrationID,
		Entries:         entries,
		CostEstimate:    cost,
		PriorityWeight:  float64(priority),
		CreatedAt:       time.Now(),
	}
	b.reservations[res.ID] = &reservationHolder{reservation: res, priority: priority, createdAt: res.CreatedAt}

	if budget != nil && cost > budget.Ceiling && b.budget != nil {
		go func() { _ = b.budget.BudgetExceeded(context.Background(), orchestrationID) }()
	}

	return res
}

// preemptLocked frees capacity by pausing background-priority reservations,
// oldest first, until requests would fit. Returns true if it preempted at
// least one reservation. Must be called with b.mu held.
func (b *Broker) preemptLocked(ctx context.Context, requests []Request) bool {
	type candidate struct {
		id        string
		createdAt time.Time
	}
	var candidates []candidate
	for id, h := range b.reservations {
		if h.priority == orchtypes.PriorityBackground && !h.reservation.Released {
			candidates = append(candidates, candidate{id: id, createdAt: h.createdAt})
		}
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].createdAt.Before(candidates[i].createdAt) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	preempted := false
	for _, c := range candidates {
		if ok, _ := b.fits(requests); ok {
			break
		}
		holder := b.reservations[c.id]
		b.releaseLocked(c.id)
		preempted = true
		b.sink.PublishPreemption(holder.reservation.OrchestrationID, "preempted")
		if b.notifier != nil {
			notifier := b.notifier
			orchID := holder.reservation.OrchestrationID
			go func() { _ = notifier.Preempt(ctx, orchID, "preempted") }()
		}
	}
	return preempted
}

// Release frees a reservation's held capacity. Idempotent (spec.md R2):
// releasing an already-released or unknown reservation is a no-op success.
func (b *Broker) Release(reservationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(reservationID)
	return nil
}

func (b *Broker) releaseLocked(reservationID string) {
	holder, ok := b.reservations[reservationID]
	if !ok || holder.reservation.Released {
		return
	}
	for _, e := range holder.reservation.Entries {
		if pool, ok := b.pools[e.Pool]; ok {
			pool.Reserved -= e.Amount
			if pool.Reserved < 0 {
				pool.Reserved = 0
			}
		}
	}
	holder.reservation.Released = true
}

// Adjust grows or shrinks a reservation's pool amounts during execution.
// Growth may be denied if the pool lacks headroom.
func (b *Broker) Adjust(reservationID string, deltas map[orchtypes.PoolType]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	holder, ok := b.reservations[reservationID]
	if !ok || holder.reservation.Released {
		return orcherrors.Conflict("Broker.Adjust", reservationID, "reservation not active")
	}

	for poolType, delta := range deltas {
		if delta <= 0 {
			continue
		}
		pool, ok := b.pools[poolType]
		if !ok || pool.Available() < delta {
			return orcherrors.ResourceDenied("Broker.Adjust", reservationID, "insufficient capacity in pool "+string(poolType))
		}
	}

	for poolType, delta := range deltas {
		pool := b.pools[poolType]
		pool.Reserved += delta
		found := false
		for i := range holder.reservation.Entries {
			if holder.reservation.Entries[i].Pool == poolType {
				holder.reservation.Entries[i].Amount += delta
				found = true
				break
			}
		}
		if !found {
			holder.reservation.Entries = append(holder.reservation.Entries, orchtypes.ReservationEntry{Pool: poolType, Amount: delta})
		}
	}
	return nil
}

// MarkInUse transitions amount from reserved to in-use for a pool, for
// callers that track reserved-vs-actively-consumed separately. Safe to call
// with zero amount.
func (b *Broker) MarkInUse(pool orchtypes.PoolType, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pools[pool]
	if !ok {
		return
	}
	move := amount
	if move > p.Reserved {
		move = p.Reserved
	}
	p.Reserved -= move
	p.InUse += move
}

// Utilization returns a point-in-time copy of every pool's state.
func (b *Broker) Utilization() map[orchtypes.PoolType]orchtypes.ResourcePool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[orchtypes.PoolType]orchtypes.ResourcePool, len(b.pools))
	for t, p := range b.pools {
		out[t] = *p
	}
	return out
}

// SetHealth updates a pool's health classification, as reported by a
// periodic external probe. Unhealthy pools refuse new reservations but
// still honor releases.
func (b *Broker) SetHealth(pool orchtypes.PoolType, health orchtypes.PoolHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pools[pool]; ok {
		p.Health = health
	}
}

// EvaluateScale runs one auto-scale evaluation across every registered
// pool, scaling up when sustained utilization exceeds ScaleUpThreshold for
// CoolDown and down when it sustains below ScaleDownThreshold. Intended to
// be called on a ticker by the owner of the Broker.
func (b *Broker) EvaluateScale(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for poolType, pool := range b.pools {
		utilization := 0.0
		if pool.Total > 0 {
			utilization = (pool.Reserved + pool.InUse) / pool.Total
		}

		switch {
		case utilization > b.config.ScaleUpThreshold:
			b.evaluateDirection(poolType, pool, now, true)
		case utilization < b.config.ScaleDownThreshold:
			b.evaluateDirection(poolType, pool, now, false)
		default:
			delete(b.sustained, poolType)
		}
	}
}

func (b *Broker) evaluateDirection(poolType orchtypes.PoolType, pool *orchtypes.ResourcePool, now time.Time, up bool) {
	since, tracking := b.sustained[poolType]
	if !tracking {
		b.sustained[poolType] = now
		return
	}
	if now.Sub(since) < pool.ScalePolicy.CoolDown {
		return
	}
	limiter, ok := b.limiters[poolType]
	if !ok || !limiter.AllowN(now, 1) {
		return
	}

	from := pool.Total
	step := pool.ScalePolicy.Step
	if step <= 0 {
		step = b.config.Step
	}
	if up {
		pool.Total += step
		if pool.ScalePolicy.Max > 0 && pool.Total > pool.ScalePolicy.Max {
			pool.Total = pool.ScalePolicy.Max
		}
	} else {
		pool.Total -= step
		if pool.Total < pool.ScalePolicy.Min {
			pool.Total = pool.ScalePolicy.Min
		}
	}
	delete(b.sustained, poolType)
	reason := "scale_down"
	if up {
		reason = "scale_up"
	}
	b.sink.PublishScaleEvent(poolType, from, pool.Total, reason)
}
