package store

import (
	"context"
	"sync"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// MemoryStore is an in-process Repository implementation: the default
// adapter when no store.dsn is configured, so the Orchestrator's
// persistence calls always have somewhere to land instead of being
// conditionally skipped. It offers no durability across restarts — that
// tradeoff is exactly what distinguishes it from PostgresStore.
type MemoryStore struct {
	mu             sync.Mutex
	orchestrations map[string]orchtypes.Orchestration
	stages         map[string]map[string]orchtypes.Stage
	reservations   map[string]orchtypes.Reservation
	alerts         map[string]orchtypes.Alert
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orchestrations: make(map[string]orchtypes.Orchestration),
		stages:         make(map[string]map[string]orchtypes.Stage),
		reservations:   make(map[string]orchtypes.Reservation),
		alerts:         make(map[string]orchtypes.Alert),
	}
}

func (s *MemoryStore) SaveOrchestration(ctx context.Context, orch orchtypes.Orchestration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orchestrations[orch.ID] = orch
	return nil
}

func (s *MemoryStore) SaveStage(ctx context.Context, stage orchtypes.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byOrch, ok := s.stages[stage.OrchestrationID]
	if !ok {
		byOrch = make(map[string]orchtypes.Stage)
		s.stages[stage.OrchestrationID] = byOrch
	}
	byOrch[stage.ID] = stage
	return nil
}

func (s *MemoryStore) LoadOrchestration(ctx context.Context, id string) (orchtypes.Orchestration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orch, ok := s.orchestrations[id]
	if !ok {
		return orchtypes.Orchestration{}, orcherrors.InvalidRequest("store.LoadOrchestration", id, "orchestration not found")
	}
	return orch, nil
}

func (s *MemoryStore) LoadStages(ctx context.Context, orchestrationID string) ([]orchtypes.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byOrch := s.stages[orchestrationID]
	out := make([]orchtypes.Stage, 0, len(byOrch))
	for _, stage := range byOrch {
		out = append(out, stage)
	}
	return out, nil
}

func (s *MemoryStore) SaveReservation(ctx context.Context, res orchtypes.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[res.ID] = res
	return nil
}

func (s *MemoryStore) SaveAlert(ctx context.Context, alert orchtypes.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

var _ Repository = (*MemoryStore)(nil)
