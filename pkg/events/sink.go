// Package events defines the outbound EventSink port (spec.md §6): the
// capability the Monitor uses to hand Snapshot and Alert messages onward to
// whatever external transport (HTTP/WebSocket/SSE, logging, analytics) the
// deployment wires up. The core never implements that transport itself.
package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// Sink accepts Snapshot and Alert messages for onward delivery. Publish
// calls must not block the Monitor (spec.md §5 "the Monitor never applies
// back-pressure to the core") — implementations that talk to a slow
// transport are expected to buffer or drop internally.
type Sink interface {
	PublishSnapshot(ctx context.Context, snap orchtypes.Snapshot)
	PublishAlert(ctx context.Context, alert orchtypes.Alert)
}

// LoggingSink is a reference Sink that writes every message to a zerolog
// logger. Useful as a default wiring and in tests.
type LoggingSink struct {
	logger zerolog.Logger
}

// NewLoggingSink returns a Sink backed by logger.
func NewLoggingSink(logger zerolog.Logger) *LoggingSink {
	return &LoggingSink{logger: logger.With().Str("component", "event_sink").Logger()}
}

func (s *LoggingSink) PublishSnapshot(_ context.Context, snap orchtypes.Snapshot) {
	s.logger.Debug().
		Str("orchestration_id", snap.OrchestrationID).
		Uint64("sequence", snap.Sequence).
		Float64("cpu_percent", snap.CPUPercent).
		Float64("throughput", snap.Throughput).
		Msg("snapshot")
}

func (s *LoggingSink) PublishAlert(_ context.Context, alert orchtypes.Alert) {
	evt := s.logger.Warn()
	if alert.Severity == orchtypes.SeverityCritical {
		evt = s.logger.Error()
	}
	evt.
		Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("severity", string(alert.Severity)).
		Str("scope", alert.Scope).
		Msg(alert.Message)
}

// MultiSink fans a single publish out to every configured Sink.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) PublishSnapshot(ctx context.Context, snap orchtypes.Snapshot) {
	for _, s := range m.Sinks {
		s.PublishSnapshot(ctx, snap)
	}
}

func (m MultiSink) PublishAlert(ctx context.Context, alert orchtypes.Alert) {
	for _, s := range m.Sinks {
		s.PublishAlert(ctx, alert)
	}
}
