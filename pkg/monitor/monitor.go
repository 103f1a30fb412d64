// Package monitor implements the Monitor (spec.md §4.6): a ring buffer of
// Snapshot observations, threshold-rule and anomaly-detection alerting, and
// fan-out to subscribers and to the outbound pkg/events.Sink.
//
// Grounded on
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/monitoring/monitoring.go
// (metric-collection loop shape) and .../pkg/monitoring/health_checker.go
// (threshold-rule evaluation shape), with internal operational metrics
// exposed through github.com/prometheus/client_golang the way
// .../pkg/monitoring/prometheus.go does — these are the core's own
// operational metrics, not the external metrics/alerting backend the spec
// excludes from scope.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/scanforge/orchestrator-core/pkg/events"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// defaultRingSize is the per-scope Snapshot history length (spec.md §4.6).
const defaultRingSize = 1000

// defaultSubscriberBacklog bounds each subscriber's channel; a subscriber
// that falls behind this far is dropped rather than allowed to block the
// Monitor's fan-out (spec.md §5 "the Monitor never applies back-pressure to
// the core").
const defaultSubscriberBacklog = 64

// ThresholdRule is a named predicate over a Snapshot. When Evaluate has
// returned true continuously for at least MinDuration, the Monitor raises
// one Alert of Kind/Severity — and only one, until the condition clears or
// the alert is resolved (spec.md §4.6: "a rule fires when its metric has
// satisfied the comparator continuously for min_duration").
type ThresholdRule struct {
	Name        string
	Kind        orchtypes.AlertKind
	Severity    orchtypes.Severity
	MinDuration time.Duration
	Evaluate    func(orchtypes.Snapshot) bool
}

// DefaultRules returns the baseline rules of spec.md §4.6: throughput
// sustained below 10 for 5 minutes, success rate below 0.9, cpu/memory
// saturation, and the combined cpu+memory system-overload rule (sustained 1
// minute).
func DefaultRules() []ThresholdRule {
	return []ThresholdRule{
		{
			Name:        "low_throughput",
			Kind:        orchtypes.AlertPerformanceDegradation,
			Severity:    orchtypes.SeverityWarning,
			MinDuration: 5 * time.Minute,
			Evaluate:    func(s orchtypes.Snapshot) bool { return s.Throughput < 10 },
		},
		{
			Name:     "high_error_rate",
			Kind:     orchtypes.AlertScanFailure,
			Severity: orchtypes.SeverityError,
			Evaluate: func(s orchtypes.Snapshot) bool { return s.SuccessRate > 0 && s.SuccessRate < 0.9 || s.ErrorRate > 0.10 },
		},
		{
			Name:     "resource_exhaustion",
			Kind:     orchtypes.AlertResourceExhaustion,
			Severity: orchtypes.SeverityCritical,
			Evaluate: func(s orchtypes.Snapshot) bool { return s.CPUPercent > 0.95 || s.MemPercent > 0.90 },
		},
		{
			Name:        "system_overload",
			Kind:        orchtypes.AlertOverload,
			Severity:    orchtypes.SeverityCritical,
			MinDuration: time.Minute,
			Evaluate:    func(s orchtypes.Snapshot) bool { return s.CPUPercent > 0.90 && s.MemPercent > 0.85 },
		},
	}
}

// AnomalyDetector is a pluggable check run against a scope's recent
// Snapshot history, separate from the fixed ThresholdRules. Implementations
// may use whatever statistical method they like (spec.md leaves the
// algorithm unspecified; NoopAnomalyDetector is the default).
type AnomalyDetector interface {
	Detect(history []orchtypes.Snapshot) (orchtypes.Alert, bool)
}

// NoopAnomalyDetector never fires.
type NoopAnomalyDetector struct{}

func (NoopAnomalyDetector) Detect([]orchtypes.Snapshot) (orchtypes.Alert, bool) {
	return orchtypes.Alert{}, false
}

// StdDevAnomalyDetector flags a snapshot whose Latency deviates from the
// trailing mean by more than Threshold standard deviations.
type StdDevAnomalyDetector struct {
	Threshold float64 // in standard deviations; 0 defaults to 3
	MinSamples int
}

func (d StdDevAnomalyDetector) Detect(history []orchtypes.Snapshot) (orchtypes.Alert, bool) {
	min := d.MinSamples
	if min <= 0 {
		min = 10
	}
	if len(history) < min {
		return orchtypes.Alert{}, false
	}

	latest := history[len(history)-1]
	prior := history[:len(history)-1]

	var sum float64
	for _, s := range prior {
		sum += float64(s.Latency)
	}
	mean := sum / float64(len(prior))

	var variance float64
	for _, s := range prior {
		d := float64(s.Latency) - mean
		variance += d * d
	}
	variance /= float64(len(prior))
	stddev := sqrt(variance)

	threshold := d.Threshold
	if threshold <= 0 {
		threshold = 3
	}

	// A flat baseline has zero spread, so any latency above it lies an
	// unbounded number of standard deviations out.
	if stddev == 0 {
		if float64(latest.Latency) <= mean {
			return orchtypes.Alert{}, false
		}
	} else if (float64(latest.Latency)-mean)/stddev <= threshold {
		return orchtypes.Alert{}, false
	}

	return orchtypes.Alert{
		Kind:     orchtypes.AlertAnomaly,
		Severity: orchtypes.SeverityWarning,
		Scope:    latest.OrchestrationID,
		Message:  "latency deviates from trailing baseline",
	}, true
}

// sqrt avoids importing math solely for this; Newton's method converges in
// a handful of iterations for the magnitudes involved here.
func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 40; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// ring is a fixed-capacity circular buffer of Snapshots for one scope.
type ring struct {
	buf  []orchtypes.Snapshot
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]orchtypes.Snapshot, size)}
}

func (r *ring) push(s orchtypes.Snapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the buffer contents oldest-first.
func (r *ring) ordered() []orchtypes.Snapshot {
	if !r.full {
		out := make([]orchtypes.Snapshot, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]orchtypes.Snapshot, len(r.buf))
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}

// sustainedState tracks how long a ThresholdRule has matched continuously
// for one scope, and the alert it raised (if any) so a sustained condition
// produces a single alert rather than one per Snapshot.
type sustainedState struct {
	since     time.Time
	alertID   string
}

// subscriber is a bounded fan-out target. An empty scope subscribes to
// every Snapshot; a non-empty scope filters to one orchestration.
type subscriber struct {
	id    string
	scope string
	ch    chan orchtypes.Snapshot
}

// Monitor owns Snapshot history, alerting, and subscriber fan-out
// exclusively (spec.md §3).
type Monitor struct {
	mu sync.Mutex

	ringSize int
	history  map[string]*ring
	sequence map[string]uint64

	rules     []ThresholdRule
	anomaly   AnomalyDetector
	alerts    map[string]*orchtypes.Alert
	acked     map[string]bool
	sustained map[string]*sustainedState // "scope|rule" -> tracking

	subscribers map[string]*subscriber

	sink events.Sink

	snapshotsTotal prometheus.Counter
	alertsTotal    *prometheus.CounterVec

	logger zerolog.Logger
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithRules overrides the default threshold rules.
func WithRules(rules []ThresholdRule) Option {
	return func(m *Monitor) { m.rules = rules }
}

// WithAnomalyDetector installs a non-default AnomalyDetector.
func WithAnomalyDetector(d AnomalyDetector) Option {
	return func(m *Monitor) { m.anomaly = d }
}

// WithRingSize overrides the default 1000-entry-per-scope history.
func WithRingSize(size int) Option {
	return func(m *Monitor) { m.ringSize = size }
}

// New returns a Monitor publishing to sink (nil is allowed; Publish calls
// become no-ops for external delivery, but local alerting still runs).
func New(sink events.Sink, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		ringSize:    defaultRingSize,
		history:     make(map[string]*ring),
		sequence:    make(map[string]uint64),
		rules:       DefaultRules(),
		anomaly:     NoopAnomalyDetector{},
		alerts:      make(map[string]*orchtypes.Alert),
		acked:       make(map[string]bool),
		sustained:   make(map[string]*sustainedState),
		subscribers: make(map[string]*subscriber),
		sink:        sink,
		logger:      logger.With().Str("component", "monitor").Logger(),
		snapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_core_snapshots_total",
			Help: "Total Snapshots recorded by the Monitor.",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_core_alerts_total",
			Help: "Total Alerts raised by the Monitor, by kind.",
		}, []string{"kind"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Collectors returns the Monitor's prometheus collectors for registration
// with an external registry.
func (m *Monitor) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.snapshotsTotal, m.alertsTotal}
}

// Record ingests one observation for scope (an orchestration id, or
// "system"), stamping a monotone per-scope sequence number (invariant I7),
// evaluating threshold rules and the anomaly detector, and fanning the
// snapshot out to subscribers and the sink.
func (m *Monitor) Record(ctx context.Context, scope string, snap orchtypes.Snapshot) {
	m.mu.Lock()

	r, ok := m.history[scope]
	if !ok {
		r = newRing(m.ringSize)
		m.history[scope] = r
	}

	m.sequence[scope]++
	snap.Sequence = m.sequence[scope]
	snap.OrchestrationID = scope
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	r.push(snap)
	m.snapshotsTotal.Inc()

	var newAlerts []orchtypes.Alert
	for _, rule := range m.rules {
		key := scope + "|" + rule.Name
		if !rule.Evaluate(snap) {
			delete(m.sustained, key)
			continue
		}

		st, tracking := m.sustained[key]
		if !tracking {
			st = &sustainedState{since: snap.Timestamp}
			m.sustained[key] = st
		}
		if st.alertID != "" {
			// Already fired for this ongoing condition; don't fire again
			// until it clears or the alert is resolved.
			if a, ok := m.alerts[st.alertID]; ok && a.Resolved {
				st.alertID = ""
			} else {
				continue
			}
		}
		if snap.Timestamp.Sub(st.since) < rule.MinDuration {
			continue
		}
		alert := m.raiseLocked(rule.Kind, rule.Severity, scope, rule.Name)
		st.alertID = alert.ID
		newAlerts = append(newAlerts, alert)
	}
	if alert, fired := m.anomaly.Detect(r.ordered()); fired {
		alert.ID = uuid.NewString()
		alert.CreatedAt = time.Now()
		if alert.Scope == "" {
			alert.Scope = scope
		}
		m.alerts[alert.ID] = &alert
		newAlerts = append(newAlerts, alert)
	}

	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		if s.scope == "" || s.scope == scope {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, kind := range newAlerts {
		m.alertsTotal.WithLabelValues(string(kind.Kind)).Inc()
	}

	for _, s := range subs {
		select {
		case s.ch <- snap:
		default:
			m.logger.Warn().Str("subscriber_id", s.id).Msg("dropping slow snapshot subscriber")
			m.Unsubscribe(s.id)
		}
	}

	if m.sink != nil {
		m.sink.PublishSnapshot(ctx, snap)
		for _, a := range newAlerts {
			m.sink.PublishAlert(ctx, a)
		}
	}
}

// raiseLocked constructs and stores a new Alert. Must be called with m.mu
// held.
func (m *Monitor) raiseLocked(kind orchtypes.AlertKind, severity orchtypes.Severity, scope, message string) orchtypes.Alert {
	alert := orchtypes.Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Scope:     scope,
		Message:   message,
		CreatedAt: time.Now(),
	}
	m.alerts[alert.ID] = &alert
	return alert
}

// History returns a scope's Snapshot history, oldest first.
func (m *Monitor) History(scope string) []orchtypes.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.history[scope]
	if !ok {
		return nil
	}
	return r.ordered()
}

// Subscribe registers a new bounded-channel subscriber to every scope's
// Snapshots and returns it along with an unsubscribe id. The channel is
// closed on Unsubscribe.
func (m *Monitor) Subscribe() (id string, ch <-chan orchtypes.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid := uuid.NewString()
	s := &subscriber{id: sid, ch: make(chan orchtypes.Snapshot, defaultSubscriberBacklog)}
	m.subscribers[sid] = s
	return sid, s.ch
}

// SubscribeScope registers a subscriber scoped to one orchestration (or
// "system"). Before returning, it replays that scope's most recent
// Snapshot into the channel — a late subscriber sees the last known state
// immediately instead of waiting for the next tick.
func (m *Monitor) SubscribeScope(scope string) (id string, ch <-chan orchtypes.Snapshot) {
	m.mu.Lock()
	sid := uuid.NewString()
	s := &subscriber{id: sid, scope: scope, ch: make(chan orchtypes.Snapshot, defaultSubscriberBacklog)}
	m.subscribers[sid] = s

	var replay *orchtypes.Snapshot
	if r, ok := m.history[scope]; ok {
		if hist := r.ordered(); len(hist) > 0 {
			last := hist[len(hist)-1]
			replay = &last
		}
	}
	m.mu.Unlock()

	if replay != nil {
		select {
		case s.ch <- *replay:
		default:
		}
	}
	return sid, s.ch
}

// Unsubscribe removes and closes a subscriber channel. Idempotent.
func (m *Monitor) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return
	}
	delete(m.subscribers, id)
	close(s.ch)
}

// Acknowledge marks an alert acknowledged. Idempotent (spec.md R3).
func (m *Monitor) Acknowledge(alertID, by string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return false
	}
	a.Acknowledged = true
	a.AcknowledgedBy = by
	return true
}

// Resolve marks an alert resolved. Idempotent (spec.md R3).
func (m *Monitor) Resolve(alertID, by, note string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return false
	}
	a.Resolved = true
	a.ResolvedBy = by
	a.ResolvedNote = note
	a.ResolvedAt = time.Now()
	return true
}

// autoResolveAfter is how long an info-severity alert stays
// active before the Monitor resolves it on its own (spec.md §4.6/§7).
const autoResolveAfter = time.Hour

// purgeAfter is how long a resolved alert is retained before Sweep drops it
// from the active set (spec.md §7).
const purgeAfter = 24 * time.Hour

// Sweep auto-resolves stale info alerts and purges long-resolved alerts.
// Callers run this periodically (e.g. alongside the scheduler's aging tick)
// since the Monitor does not run its own background goroutine.
func (m *Monitor) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range m.alerts {
		if !a.Resolved && a.Severity == orchtypes.SeverityInfo && now.Sub(a.CreatedAt) >= autoResolveAfter {
			a.Resolved = true
			a.ResolvedBy = "system"
			a.ResolvedNote = "auto-resolved after 1 hour"
			a.ResolvedAt = now
		}
		if a.Resolved && now.Sub(a.ResolvedAt) >= purgeAfter {
			delete(m.alerts, id)
		}
	}
}

// Alert returns a copy of an alert by id.
func (m *Monitor) Alert(alertID string) (orchtypes.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return orchtypes.Alert{}, false
	}
	return *a, true
}
