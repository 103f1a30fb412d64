package resourcebroker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

func newTestBroker() *Broker {
	b := New(DefaultConfig(), nil, nil, nil, zerolog.Nop())
	b.RegisterPool(orchtypes.ResourcePool{
		Type:  orchtypes.PoolCPU,
		Total: 10,
		Unit:  "cores",
		ScalePolicy: orchtypes.ScalePolicy{
			Min: 2, Max: 20, Step: 2, CoolDown: time.Minute,
		},
	})
	return b
}

func TestReserveWithinCapacitySucceeds(t *testing.T) {
	b := newTestBroker()
	res, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 4}}, nil, orchtypes.PriorityMedium)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)

	util := b.Utilization()
	assert.Equal(t, float64(4), util[orchtypes.PoolCPU].Reserved)
}

func TestReserveOverCapacityDenied(t *testing.T) {
	b := newTestBroker()
	_, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 4}}, nil, orchtypes.PriorityMedium)
	require.NoError(t, err)

	_, err = b.Reserve(context.Background(), "orch-2", []Request{{Pool: orchtypes.PoolCPU, Amount: 7}}, nil, orchtypes.PriorityMedium)
	require.Error(t, err)
}

func TestReserveIsAtomicAcrossPools(t *testing.T) {
	b := newTestBroker()
	b.RegisterPool(orchtypes.ResourcePool{Type: orchtypes.PoolMemory, Total: 1, Unit: "GB"})

	_, err := b.Reserve(context.Background(), "orch-1", []Request{
		{Pool: orchtypes.PoolCPU, Amount: 2},
		{Pool: orchtypes.PoolMemory, Amount: 99},
	}, nil, orchtypes.PriorityMedium)
	require.Error(t, err)

	util := b.Utilization()
	assert.Equal(t, float64(0), util[orchtypes.PoolCPU].Reserved, "CPU must not be partially reserved")
}

func TestReleaseIsIdempotent(t *testing.T) {
	b := newTestBroker()
	res, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 4}}, nil, orchtypes.PriorityMedium)
	require.NoError(t, err)

	require.NoError(t, b.Release(res.ID))
	require.NoError(t, b.Release(res.ID))
	require.NoError(t, b.Release("unknown-id"))

	util := b.Utilization()
	assert.Equal(t, float64(0), util[orchtypes.PoolCPU].Reserved)
}

func TestCriticalPriorityPreemptsBackground(t *testing.T) {
	b := newTestBroker()
	_, err := b.Reserve(context.Background(), "orch-bg", []Request{{Pool: orchtypes.PoolCPU, Amount: 9}}, nil, orchtypes.PriorityBackground)
	require.NoError(t, err)

	res, err := b.Reserve(context.Background(), "orch-critical", []Request{{Pool: orchtypes.PoolCPU, Amount: 5}}, nil, orchtypes.PriorityCritical)
	require.NoError(t, err, "critical request should preempt the background reservation")
	assert.NotEmpty(t, res.ID)
}

// fakeNotifier records Preempt calls so tests can assert the victim
// orchestration was actually told its reservation was pulled.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) Preempt(_ context.Context, orchestrationID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orchestrationID)
	return nil
}

func (f *fakeNotifier) called(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == id {
			return true
		}
	}
	return false
}

func TestPreemptionNotifiesVictimOrchestration(t *testing.T) {
	notifier := &fakeNotifier{}
	b := New(DefaultConfig(), notifier, nil, nil, zerolog.Nop())
	b.RegisterPool(orchtypes.ResourcePool{
		Type: orchtypes.PoolCPU, Total: 10, Unit: "cores",
		ScalePolicy: orchtypes.ScalePolicy{Min: 2, Max: 20, Step: 2, CoolDown: time.Minute},
	})

	_, err := b.Reserve(context.Background(), "orch-bg", []Request{{Pool: orchtypes.PoolCPU, Amount: 9}}, nil, orchtypes.PriorityBackground)
	require.NoError(t, err)

	_, err = b.Reserve(context.Background(), "orch-critical", []Request{{Pool: orchtypes.PoolCPU, Amount: 5}}, nil, orchtypes.PriorityCritical)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return notifier.called("orch-bg")
	}, time.Second, 5*time.Millisecond, "broker should notify the preempted orchestration")
}

func TestSetNotifierWiresNotifierAfterConstruction(t *testing.T) {
	notifier := &fakeNotifier{}
	b := newTestBroker()
	b.SetNotifier(notifier)

	_, err := b.Reserve(context.Background(), "orch-bg", []Request{{Pool: orchtypes.PoolCPU, Amount: 9}}, nil, orchtypes.PriorityBackground)
	require.NoError(t, err)
	_, err = b.Reserve(context.Background(), "orch-critical", []Request{{Pool: orchtypes.PoolCPU, Amount: 5}}, nil, orchtypes.PriorityCritical)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return notifier.called("orch-bg")
	}, time.Second, 5*time.Millisecond)
}

func TestAdjustGrowsReservationWithinHeadroom(t *testing.T) {
	b := newTestBroker()
	res, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 4}}, nil, orchtypes.PriorityMedium)
	require.NoError(t, err)

	require.NoError(t, b.Adjust(res.ID, map[orchtypes.PoolType]float64{orchtypes.PoolCPU: 2}))
	util := b.Utilization()
	assert.Equal(t, float64(6), util[orchtypes.PoolCPU].Reserved)
}

func TestAdjustDeniedWhenNoHeadroom(t *testing.T) {
	b := newTestBroker()
	res, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 9}}, nil, orchtypes.PriorityMedium)
	require.NoError(t, err)

	err = b.Adjust(res.ID, map[orchtypes.PoolType]float64{orchtypes.PoolCPU: 5})
	require.Error(t, err)
}

func TestEvaluateScaleUpAfterSustainedBreach(t *testing.T) {
	b := newTestBroker()
	_, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 9}}, nil, orchtypes.PriorityMedium)
	require.NoError(t, err)

	now := time.Now()
	b.EvaluateScale(now) // first observation, starts the sustained timer
	before := b.Utilization()[orchtypes.PoolCPU].Total

	b.EvaluateScale(now.Add(2 * time.Minute))
	after := b.Utilization()[orchtypes.PoolCPU].Total

	assert.Greater(t, after, before)
}

func TestSetHealthBlocksNewReservations(t *testing.T) {
	b := newTestBroker()
	b.SetHealth(orchtypes.PoolCPU, orchtypes.PoolUnhealthy)

	_, err := b.Reserve(context.Background(), "orch-1", []Request{{Pool: orchtypes.PoolCPU, Amount: 1}}, nil, orchtypes.PriorityMedium)
	require.Error(t, err)
}
