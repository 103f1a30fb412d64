// Package scheduler implements the cross-orchestration Scheduler (spec.md
// §4.2): it holds the ready set of queued orchestrations and decides
// dispatch order by priority, deadline slack and per-submitter fairness,
// with anti-starvation aging and bounded-queue back-pressure.
//
// Grounded on
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/scheduler/engine.go's
// candidate-ranking loop (select-best-by-weighted-factors, here applied to
// queue entries instead of cluster nodes) and its task-queue's bounded
// channel back-pressure.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// agingInterval is how long an entry may wait before its effective
// priority is boosted by one class, preventing low-priority starvation
// (spec.md §4.2).
const agingInterval = 5 * time.Minute

// Entry is one queued orchestration awaiting dispatch.
type Entry struct {
	OrchestrationID string
	Priority        orchtypes.Priority
	DeadlineSlack   time.Duration // time.Duration(0) means no deadline
	Submitter       string
	EnqueuedAt      time.Time

	effectivePriority orchtypes.Priority
	dispatchIndex     int // heap bookkeeping
}

// entryHeap orders Entries by (effective priority desc, deadline slack
// asc, enqueue time asc) — a max-heap on priority, min-heap on the rest.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.effectivePriority != b.effectivePriority {
		return a.effectivePriority > b.effectivePriority
	}
	if a.DeadlineSlack != b.DeadlineSlack {
		if a.DeadlineSlack == 0 {
			return false
		}
		if b.DeadlineSlack == 0 {
			return true
		}
		return a.DeadlineSlack < b.DeadlineSlack
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].dispatchIndex = i
	h[j].dispatchIndex = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.dispatchIndex = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.dispatchIndex = -1
	*h = old[:n-1]
	return e
}

// Scheduler owns the ready queue exclusively (spec.md §3).
type Scheduler struct {
	mu sync.Mutex

	capacity int
	queue    entryHeap
	byID     map[string]*Entry

	// dispatchCounts implements round-robin fairness: among entries tied on
	// priority and deadline slack, the submitter with the fewest recent
	// dispatches goes first. Reset periodically by the caller via
	// ResetFairnessWindow to bound memory and avoid permanent bias.
	dispatchCounts map[string]int
}

// New returns an empty Scheduler with the given bounded-queue capacity. A
// capacity of 0 means unbounded.
func New(capacity int) *Scheduler {
	return &Scheduler{
		capacity:       capacity,
		byID:           make(map[string]*Entry),
		dispatchCounts: make(map[string]int),
	}
}

// Submit enqueues an entry. Returns a Conflict error if the orchestration
// is already queued, and a BudgetExceeded-classified back-pressure error if
// the bounded queue is full (spec.md §4.2: a full scheduler queue rejects
// new submissions rather than growing unbounded).
func (s *Scheduler) Submit(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[e.OrchestrationID]; exists {
		return orcherrors.Conflict("Scheduler.Submit", e.OrchestrationID, "already queued")
	}
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		return orcherrors.New(orcherrors.KindBudgetExceeded, "Scheduler.Submit", e.OrchestrationID, "scheduler queue at capacity")
	}

	entry := e
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	entry.effectivePriority = entry.Priority

	heap.Push(&s.queue, &entry)
	s.byID[entry.OrchestrationID] = &entry
	return nil
}

// ApplyAging boosts the effective priority of entries that have waited
// longer than agingInterval, one class per interval elapsed, capped at
// PriorityCritical. Must be called periodically by the owner (e.g. once
// per scheduling tick).
func (s *Scheduler) ApplyAging(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, e := range s.queue {
		waited := now.Sub(e.EnqueuedAt)
		boosts := int(waited / agingInterval)
		if boosts <= 0 {
			continue
		}
		boosted := e.Priority + orchtypes.Priority(boosts)
		if boosted > orchtypes.PriorityCritical {
			boosted = orchtypes.PriorityCritical
		}
		if boosted != e.effectivePriority {
			e.effectivePriority = boosted
			changed = true
		}
	}
	if changed {
		heap.Init(&s.queue)
	}
}

// Next pops the highest-priority ready entry. Among entries tied on
// priority and deadline slack, prefers the submitter with fewer recent
// dispatches (fairness). Returns false if the queue is empty.
func (s *Scheduler) Next() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Entry{}, false
	}

	candidate := s.fairestAmongTiedLocked()
	heap.Remove(&s.queue, candidate.dispatchIndex)
	delete(s.byID, candidate.OrchestrationID)
	s.dispatchCounts[candidate.Submitter]++

	return *candidate, true
}

// fairestAmongTiedLocked scans entries sharing the top (priority,
// deadline-slack bucket) with queue[0] and returns whichever has the
// lowest per-submitter dispatch count, falling back to FIFO order. Must be
// called with s.mu held and a non-empty queue.
func (s *Scheduler) fairestAmongTiedLocked() *Entry {
	top := s.queue[0]
	best := top
	bestCount := s.dispatchCounts[top.Submitter]

	for _, e := range s.queue {
		if e.effectivePriority != top.effectivePriority {
			continue
		}
		if e.DeadlineSlack != top.DeadlineSlack {
			continue
		}
		if count := s.dispatchCounts[e.Submitter]; count < bestCount {
			best = e
			bestCount = count
		}
	}
	return best
}

// ResetFairnessWindow clears accumulated dispatch counts, starting a fresh
// fairness window.
func (s *Scheduler) ResetFairnessWindow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchCounts = make(map[string]int)
}

// Remove withdraws a queued entry (e.g. on Cancel before dispatch).
// Idempotent.
func (s *Scheduler) Remove(orchestrationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[orchestrationID]
	if !ok {
		return
	}
	heap.Remove(&s.queue, e.dispatchIndex)
	delete(s.byID, orchestrationID)
}

// Len returns the current queue depth.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Contains reports whether an orchestration is currently queued.
func (s *Scheduler) Contains(orchestrationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[orchestrationID]
	return ok
}
