package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

func TestRecordAssignsMonotoneSequencePerScope(t *testing.T) {
	m := New(nil, zerolog.Nop())
	ctx := context.Background()

	m.Record(ctx, "orch-1", orchtypes.Snapshot{})
	m.Record(ctx, "orch-1", orchtypes.Snapshot{})
	m.Record(ctx, "orch-2", orchtypes.Snapshot{})

	history := m.History("orch-1")
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Sequence)
	assert.Equal(t, uint64(2), history[1].Sequence)

	other := m.History("orch-2")
	require.Len(t, other, 1)
	assert.Equal(t, uint64(1), other[0].Sequence)
}

func TestHighErrorRateRaisesScanFailureAlert(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{ErrorRate: 0.5})

	found := false
	for _, a := range m.alerts {
		if a.Kind == orchtypes.AlertScanFailure {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	m := New(nil, zerolog.Nop())
	_, ch := m.Subscribe()

	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{CPUPercent: 0.1})

	select {
	case snap := <-ch:
		assert.Equal(t, "orch-1", snap.OrchestrationID)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot on the subscriber channel")
	}
}

func TestSubscribeScopeReplaysLastSnapshotForLateSubscriber(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{CPUPercent: 0.42})

	_, ch := m.SubscribeScope("orch-1")
	select {
	case snap := <-ch:
		assert.Equal(t, 0.42, snap.CPUPercent)
	case <-time.After(time.Second):
		t.Fatal("expected the catch-up replay snapshot")
	}
}

func TestSubscribeScopeFiltersToItsOwnScope(t *testing.T) {
	m := New(nil, zerolog.Nop())
	_, ch := m.SubscribeScope("orch-1")

	m.Record(context.Background(), "orch-2", orchtypes.Snapshot{})
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{CPUPercent: 0.7})

	snap := <-ch
	assert.Equal(t, "orch-1", snap.OrchestrationID)
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	m := New(nil, zerolog.Nop())
	id, _ := m.Subscribe() // never drained

	for i := 0; i < defaultSubscriberBacklog+5; i++ {
		m.Record(context.Background(), "orch-1", orchtypes.Snapshot{})
	}

	m.mu.Lock()
	_, stillSubscribed := m.subscribers[id]
	m.mu.Unlock()
	assert.False(t, stillSubscribed)
}

func TestAcknowledgeAndResolveAreIdempotent(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{ErrorRate: 0.9})

	var alertID string
	for id := range m.alerts {
		alertID = id
		break
	}
	require.NotEmpty(t, alertID)

	assert.True(t, m.Acknowledge(alertID, "operator-1"))
	assert.True(t, m.Acknowledge(alertID, "operator-1"))

	assert.True(t, m.Resolve(alertID, "operator-1", "handled"))
	assert.True(t, m.Resolve(alertID, "operator-1", "handled"))

	assert.False(t, m.Acknowledge("unknown", "x"))
}

func TestRingBufferBoundedAtConfiguredSize(t *testing.T) {
	m := New(nil, zerolog.Nop(), WithRingSize(5))
	for i := 0; i < 20; i++ {
		m.Record(context.Background(), "orch-1", orchtypes.Snapshot{})
	}

	history := m.History("orch-1")
	require.Len(t, history, 5)
	assert.Equal(t, uint64(20), history[len(history)-1].Sequence)
}

func TestSustainedRuleWaitsForMinDurationThenFiresOnce(t *testing.T) {
	rule := ThresholdRule{
		Name:        "slow",
		Kind:        orchtypes.AlertPerformanceDegradation,
		Severity:    orchtypes.SeverityWarning,
		MinDuration: time.Minute,
		Evaluate:    func(s orchtypes.Snapshot) bool { return s.Throughput < 10 },
	}
	m := New(nil, zerolog.Nop(), WithRules([]ThresholdRule{rule}))

	base := time.Now()
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 5, Timestamp: base})
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 5, Timestamp: base.Add(30 * time.Second)})
	assert.Empty(t, m.alerts, "condition hasn't held for min_duration yet")

	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 5, Timestamp: base.Add(90 * time.Second)})
	require.Len(t, m.alerts, 1, "should fire exactly once once min_duration elapses")

	// Condition keeps holding; must not fire a second alert (not a burst).
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 5, Timestamp: base.Add(120 * time.Second)})
	assert.Len(t, m.alerts, 1)
}

func TestSustainedRuleResetsWhenConditionClears(t *testing.T) {
	rule := ThresholdRule{
		Name:        "slow",
		Kind:        orchtypes.AlertPerformanceDegradation,
		Severity:    orchtypes.SeverityWarning,
		MinDuration: time.Minute,
		Evaluate:    func(s orchtypes.Snapshot) bool { return s.Throughput < 10 },
	}
	m := New(nil, zerolog.Nop(), WithRules([]ThresholdRule{rule}))

	base := time.Now()
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 5, Timestamp: base})
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 50, Timestamp: base.Add(30 * time.Second)})
	m.Record(context.Background(), "orch-1", orchtypes.Snapshot{Throughput: 5, Timestamp: base.Add(61 * time.Second)})
	assert.Empty(t, m.alerts, "clock must restart after the condition cleared")
}

func TestSweepAutoResolvesInfoAlertsAfterAnHour(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.mu.Lock()
	alert := m.raiseLocked(orchtypes.AlertAnomaly, orchtypes.SeverityInfo, "orch-1", "informational")
	m.mu.Unlock()

	m.Sweep(alert.CreatedAt.Add(30 * time.Minute))
	got, _ := m.Alert(alert.ID)
	assert.False(t, got.Resolved, "should not auto-resolve before an hour has passed")

	m.Sweep(alert.CreatedAt.Add(2 * time.Hour))
	got, _ = m.Alert(alert.ID)
	assert.True(t, got.Resolved)
	assert.Equal(t, "system", got.ResolvedBy)
}

func TestSweepPurgesResolvedAlertsAfter24Hours(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.mu.Lock()
	alert := m.raiseLocked(orchtypes.AlertAnomaly, orchtypes.SeverityWarning, "orch-1", "warn")
	m.mu.Unlock()
	require.True(t, m.Resolve(alert.ID, "operator-1", "handled"))

	m.Sweep(alert.CreatedAt.Add(23 * time.Hour))
	_, ok := m.Alert(alert.ID)
	assert.True(t, ok, "not yet purged")

	m.Sweep(alert.CreatedAt.Add(25 * time.Hour))
	_, ok = m.Alert(alert.ID)
	assert.False(t, ok, "resolved alert should be purged after 24h")
}

func TestStdDevAnomalyDetectorFiresOnOutlierLatency(t *testing.T) {
	d := StdDevAnomalyDetector{MinSamples: 5}
	var history []orchtypes.Snapshot
	for i := 0; i < 10; i++ {
		history = append(history, orchtypes.Snapshot{Latency: 100 * time.Millisecond})
	}
	history = append(history, orchtypes.Snapshot{Latency: 10 * time.Second, OrchestrationID: "orch-1"})

	alert, fired := d.Detect(history)
	require.True(t, fired)
	assert.Equal(t, orchtypes.AlertAnomaly, alert.Kind)
}
