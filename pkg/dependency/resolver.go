// Package dependency implements the inter-orchestration Dependency
// Resolver (spec.md §4.4): the graph of DependencyEdge relationships
// between whole orchestrations (as distinct from the intra-orchestration
// Stage.Prereqs the Orchestrator walks directly).
//
// Grounded on
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/scheduler/fault_tolerance/dependency_manager.go
// for the edge-registry/graph shape, generalized from node-failure
// dependency tracking to cross-orchestration wait/block/condition
// semantics. Cycle detection over the mandatory subgraph uses Tarjan's
// strongly-connected-components algorithm (spec.md §9).
package dependency

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// Resolver owns the cross-orchestration dependency graph exclusively
// (spec.md §3).
type Resolver struct {
	mu sync.Mutex

	logger zerolog.Logger

	edges    map[string]*orchtypes.DependencyEdge
	byTarget map[string][]string // orchestration id -> edge ids where it is Target
	bySource map[string][]string // orchestration id -> edge ids where it is Source
}

// New returns an empty Resolver.
func New(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger:   logger.With().Str("component", "dependency_resolver").Logger(),
		edges:    make(map[string]*orchtypes.DependencyEdge),
		byTarget: make(map[string][]string),
		bySource: make(map[string][]string),
	}
}

// AddEdge registers a dependency edge. If the edge is Mandatory, the
// resulting mandatory-only subgraph is checked for cycles first; a cycle
// is rejected with KindConflict and the edge is not added (spec.md I4: the
// mandatory dependency graph is always acyclic).
func (r *Resolver) AddEdge(edge orchtypes.DependencyEdge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if edge.Status == "" {
		edge.Status = orchtypes.EdgeStatusPending
	}

	if edge.Mandatory {
		if r.wouldCycleLocked(edge) {
			return orcherrors.Conflict("Resolver.AddEdge", edge.ID, "edge would introduce a cycle in the mandatory dependency graph")
		}
	}

	// An edge with a wait_timeout starts its clock as soon as it is
	// registered, rather than waiting for a caller to call BeginWaiting
	// explicitly — spec.md §4.4 ties the timeout to the edge's lifetime, not
	// to a separate dispatch-time trigger.
	if edge.Status == orchtypes.EdgeStatusPending && edge.WaitTimeout > 0 {
		edge.Status = orchtypes.EdgeStatusWaiting
		edge.WaitingSince = time.Now()
	}

	cp := edge
	r.edges[cp.ID] = &cp
	r.byTarget[cp.Target] = append(r.byTarget[cp.Target], cp.ID)
	r.bySource[cp.Source] = append(r.bySource[cp.Source], cp.ID)
	return nil
}

// wouldCycleLocked reports whether adding edge to the current mandatory
// subgraph would create a cycle, by running Tarjan's SCC algorithm on the
// subgraph-plus-candidate and checking for any component of size > 1 (or a
// self-loop).
func (r *Resolver) wouldCycleLocked(candidate orchtypes.DependencyEdge) bool {
	adjacency := make(map[string][]string)
	add := func(src, dst string) {
		adjacency[src] = append(adjacency[src], dst)
		if _, ok := adjacency[dst]; !ok {
			adjacency[dst] = adjacency[dst]
		}
	}
	for _, e := range r.edges {
		if e.Mandatory {
			add(e.Source, e.Target)
		}
	}
	add(candidate.Source, candidate.Target)

	for _, comp := range tarjanSCC(adjacency) {
		if len(comp) > 1 {
			return true
		}
		if len(comp) == 1 {
			node := comp[0]
			for _, dst := range adjacency[node] {
				if dst == node {
					return true
				}
			}
		}
	}
	return false
}

// RemoveEdge deletes an edge from the graph (DependencyAPI's "Add/remove
// edges", spec.md §6). Removing an edge never requires a cycle check —
// deleting a graph edge cannot introduce a cycle — so unlike AddEdge this
// cannot fail on the graph's account; it only fails if the edge is unknown.
func (r *Resolver) RemoveEdge(edgeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[edgeID]
	if !ok {
		return orcherrors.InvalidRequest("Resolver.RemoveEdge", edgeID, "unknown edge")
	}
	delete(r.edges, edgeID)
	r.byTarget[e.Target] = removeID(r.byTarget[e.Target], edgeID)
	r.bySource[e.Source] = removeID(r.bySource[e.Source], edgeID)
	return nil
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Satisfy marks an edge as satisfied — the source orchestration reached
// the state the edge required.
func (r *Resolver) Satisfy(edgeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[edgeID]
	if !ok {
		return orcherrors.InvalidRequest("Resolver.Satisfy", edgeID, "unknown edge")
	}
	e.Status = orchtypes.EdgeStatusSatisfied
	return nil
}

// SatisfySource marks every edge sourced from orchestrationID as satisfied.
// The Orchestrator calls this once an orchestration reaches a terminal
// success state, so whatever else was waiting on it as a prerequisite
// DependencyEdge unblocks without an explicit per-edge Satisfy call from the
// caller. (BulkCreate's hybrid-mode ordering is unrelated: it tracks
// in-batch completion counts directly rather than registering Resolver
// edges, since those requests aren't orchestrations yet at submission time.)
func (r *Resolver) SatisfySource(orchestrationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.bySource[orchestrationID] {
		e := r.edges[id]
		if e.Status == orchtypes.EdgeStatusOverridden {
			continue
		}
		e.Status = orchtypes.EdgeStatusSatisfied
	}
}

// BeginWaiting marks an edge as actively waited upon, starting its
// WaitTimeout clock.
func (r *Resolver) BeginWaiting(edgeID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[edgeID]
	if !ok {
		return orcherrors.InvalidRequest("Resolver.BeginWaiting", edgeID, "unknown edge")
	}
	e.Status = orchtypes.EdgeStatusWaiting
	e.WaitingSince = now
	return nil
}

// CheckTimeouts scans waiting edges and resolves any past their WaitTimeout
// (spec.md §4.4): an overridable edge auto-transitions to Overridden (the
// dependent becomes ready with a recorded override) while a mandatory,
// non-overridable edge transitions to TimedOut (the caller is expected to
// fail its target with DependencyTimeout). Returns copies of every edge that
// changed.
func (r *Resolver) CheckTimeouts(now time.Time) []orchtypes.DependencyEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []orchtypes.DependencyEdge
	for _, e := range r.edges {
		if e.Status != orchtypes.EdgeStatusWaiting || e.WaitTimeout <= 0 {
			continue
		}
		if now.Sub(e.WaitingSince) < e.WaitTimeout {
			continue
		}
		if e.Overridable {
			e.Status = orchtypes.EdgeStatusOverridden
			e.OverrideReason = "wait_timeout elapsed"
			e.OverrideBy = "system"
		} else {
			e.Status = orchtypes.EdgeStatusTimedOut
		}
		changed = append(changed, *e)
	}
	return changed
}

// Override force-satisfies an overridable edge, recording who did it and
// why (spec.md §4.4: non-mandatory edges may be overridden by an operator
// or an automated escalation policy).
func (r *Resolver) Override(edgeID, reason, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[edgeID]
	if !ok {
		return orcherrors.InvalidRequest("Resolver.Override", edgeID, "unknown edge")
	}
	if !e.Overridable {
		return orcherrors.Conflict("Resolver.Override", edgeID, "edge is not overridable")
	}
	e.Status = orchtypes.EdgeStatusOverridden
	e.OverrideReason = reason
	e.OverrideBy = by
	return nil
}

// Blockers returns every edge targeting orchestrationID that is not yet
// satisfied or overridden — the set the Orchestrator must clear before
// dispatching that orchestration.
func (r *Resolver) Blockers(orchestrationID string) []orchtypes.DependencyEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var blockers []orchtypes.DependencyEdge
	for _, id := range r.byTarget[orchestrationID] {
		e := r.edges[id]
		switch e.Status {
		case orchtypes.EdgeStatusSatisfied, orchtypes.EdgeStatusOverridden:
			continue
		default:
			blockers = append(blockers, *e)
		}
	}
	return blockers
}

// Ready reports whether every mandatory edge targeting orchestrationID,
// conditional or not, is satisfied or overridden. Conditional edges are
// evaluated by the caller (via pkg/condition) before calling Satisfy, so by
// the time Ready is checked a conditional edge is either satisfied or still
// pending/waiting like any other.
func (r *Resolver) Ready(orchestrationID string) bool {
	for _, e := range r.Blockers(orchestrationID) {
		if e.Mandatory {
			return false
		}
	}
	return true
}

// Edge returns a copy of an edge by id.
func (r *Resolver) Edge(edgeID string) (orchtypes.DependencyEdge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[edgeID]
	if !ok {
		return orchtypes.DependencyEdge{}, false
	}
	return *e, true
}

// tarjanState carries the per-node bookkeeping Tarjan's algorithm needs.
type tarjanState struct {
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	counter int
	result  [][]string
}

// tarjanSCC returns the strongly connected components of the graph
// described by adjacency (node -> out-neighbors), including singleton
// components with no self-loop.
func tarjanSCC(adjacency map[string][]string) [][]string {
	st := &tarjanState{
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for node := range adjacency {
		if _, seen := st.index[node]; !seen {
			strongConnect(node, adjacency, st)
		}
	}
	return st.result
}

func strongConnect(v string, adjacency map[string][]string, st *tarjanState) {
	st.index[v] = st.counter
	st.lowlink[v] = st.counter
	st.counter++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for _, w := range adjacency[v] {
		if _, seen := st.index[w]; !seen {
			strongConnect(w, adjacency, st)
			if st.lowlink[w] < st.lowlink[v] {
				st.lowlink[v] = st.lowlink[w]
			}
		} else if st.onStack[w] {
			if st.index[w] < st.lowlink[v] {
				st.lowlink[v] = st.index[w]
			}
		}
	}

	if st.lowlink[v] == st.index[v] {
		var component []string
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		st.result = append(st.result, component)
	}
}
