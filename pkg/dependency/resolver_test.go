package dependency

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

func TestAddEdgeRejectsDirectMandatoryCycle(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true}))

	err := r.AddEdge(orchtypes.DependencyEdge{ID: "e2", Source: "b", Target: "a", Mandatory: true})
	require.Error(t, err)
	assert.True(t, orcherrors.Is(err, orcherrors.KindConflict))
}

func TestAddEdgeRejectsTransitiveMandatoryCycle(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true}))
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e2", Source: "b", Target: "c", Mandatory: true}))

	err := r.AddEdge(orchtypes.DependencyEdge{ID: "e3", Source: "c", Target: "a", Mandatory: true})
	require.Error(t, err)
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "a", Mandatory: true})
	require.Error(t, err)
}

func TestNonMandatoryCycleAllowed(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: false}))
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e2", Source: "b", Target: "a", Mandatory: false}))
}

func TestReadyRequiresMandatoryBlockersSatisfied(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true}))

	assert.False(t, r.Ready("b"))
	require.NoError(t, r.Satisfy("e1"))
	assert.True(t, r.Ready("b"))
}

func TestReadyIgnoresOptionalUnsatisfiedEdges(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: false}))
	assert.True(t, r.Ready("b"))
}

func TestCheckTimeoutsMarksExpiredWaitingEdges(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true, WaitTimeout: time.Minute}))

	start := time.Now()
	require.NoError(t, r.BeginWaiting("e1", start))

	expired := r.CheckTimeouts(start.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, orchtypes.EdgeStatusTimedOut, expired[0].Status)
}

func TestAddEdgeStartsWaitClockAutomaticallyWhenWaitTimeoutSet(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true, WaitTimeout: time.Minute}))

	e, ok := r.Edge("e1")
	require.True(t, ok)
	assert.Equal(t, orchtypes.EdgeStatusWaiting, e.Status)
	assert.False(t, e.WaitingSince.IsZero())
}

func TestCheckTimeoutsAutoOverridesOverridableEdge(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{
		ID: "e1", Source: "a", Target: "b", Mandatory: true,
		WaitTimeout: time.Minute, Overridable: true,
	}))

	e, _ := r.Edge("e1")
	changed := r.CheckTimeouts(e.WaitingSince.Add(2 * time.Minute))
	require.Len(t, changed, 1)
	assert.Equal(t, orchtypes.EdgeStatusOverridden, changed[0].Status)
	assert.Equal(t, "system", changed[0].OverrideBy)
	assert.True(t, r.Ready("b"))
}

func TestOverrideRequiresOverridableFlag(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true, Overridable: false}))

	err := r.Override("e1", "manual approval", "operator-1")
	require.Error(t, err)
}

func TestRemoveEdgeDropsItFromBothIndexes(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true}))
	assert.False(t, r.Ready("b"))

	require.NoError(t, r.RemoveEdge("e1"))
	assert.True(t, r.Ready("b"))

	_, ok := r.Edge("e1")
	assert.False(t, ok)
}

func TestRemoveEdgeUnknownIDFails(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.RemoveEdge("missing")
	require.Error(t, err)
}

func TestOverrideSatisfiesAnOverridableEdge(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddEdge(orchtypes.DependencyEdge{ID: "e1", Source: "a", Target: "b", Mandatory: true, Overridable: true}))

	require.NoError(t, r.Override("e1", "manual approval", "operator-1"))
	assert.True(t, r.Ready("b"))

	e, ok := r.Edge("e1")
	require.True(t, ok)
	assert.Equal(t, "operator-1", e.OverrideBy)
}
